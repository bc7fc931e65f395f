package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/tkjaer/paristrace/internal/config"
	"github.com/tkjaer/paristrace/internal/output"
	"github.com/tkjaer/paristrace/internal/trace"
	"github.com/tkjaer/paristrace/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	args, err := config.ParseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if args.ShowVersion {
		fmt.Println(version.FullVersion())
		return 0
	}

	// Setup logging
	logFile, err := config.SetupLogging(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}

	slog.Debug("Starting Paris traceroute",
		"destination", args.Destination,
		"first_ttl", args.FirstTTL,
		"max_ttl", args.MaxTTL,
		"queries", args.Queries,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	om := &output.OutputManager{}
	defer om.Close()
	if args.Json {
		jo, err := output.NewJSONOutput("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open JSON output: %v\n", err)
			return 1
		}
		om.Register(jo)
	} else {
		om.Register(output.NewTextOutput(os.Stdout, uint8(args.FirstTTL), int(args.Queries)))
	}

	var reg prometheus.Registerer
	if args.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		mo, err := output.NewMetricsOutput(registry, args.Destination)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register metrics: %v\n", err)
			return 1
		}
		om.Register(mo)
		reg = registry

		srv := serveMetrics(args.MetricsAddr, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	tr, err := trace.New(ctx, args, om, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
		return 1
	}
	defer tr.Close()

	if err := tr.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Debug("Received interrupt signal, stopped")
			return 130
		}
		slog.Error("Trace error", "error", err)
		return 1
	}

	slog.Debug("Paris traceroute completed")
	return 0
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "addr", addr, "error", err)
		}
	}()
	slog.Info("Serving metrics", "addr", addr)
	return srv
}
