package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	flag "github.com/spf13/pflag"
)

type Args struct {
	Destination string
	ForceIPv4   bool
	ForceIPv6   bool

	// Probe shape
	DestinationPort uint
	SourcePort      uint
	FirstTTL        uint
	MaxTTL          uint
	Queries         uint
	PayloadSize     uint
	Interface       string
	NoResolve       bool

	// Timing
	InterProbeDelay time.Duration
	Timeout         time.Duration

	// Output
	Json        bool
	MetricsAddr string

	// Logging
	Log         string // log file path, empty means stderr
	LogLevel    string // debug, info, warn, error
	LogMaxSize  int    // megabytes before the log file is rotated
	LogBackups  int
	ShowVersion bool
}

const (
	defaultDestinationPort = 33434 // IANA allocated traceroute port
	minPayloadSize         = 2     // room for checksum compensation
)

// ParseArgs parses command line arguments (without the program name). Help
// and usage go to out.
func ParseArgs(argv []string, out io.Writer) (Args, error) {
	var args Args
	fs := flag.NewFlagSet("paristrace", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "paristrace - Paris traceroute")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "UDP traceroute that keeps the flow identifier constant so every probe")
		fmt.Fprintln(out, "follows the same path through per-flow load balancers.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  paristrace [OPTIONS] DESTINATION")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Options:")
		fs.PrintDefaults()
	}

	fs.BoolVarP(&args.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&args.ForceIPv4, "ipv4", "4", false, "Force IPv4")
	fs.BoolVarP(&args.ForceIPv6, "ipv6", "6", false, "Force IPv6")
	fs.UintVarP(&args.DestinationPort, "dest-port", "p", defaultDestinationPort, "Destination port")
	fs.UintVarP(&args.SourcePort, "source-port", "s", 50000, "Source port")
	fs.UintVarP(&args.FirstTTL, "first-ttl", "f", 1, "First TTL to probe")
	fs.UintVarP(&args.MaxTTL, "max-ttl", "m", 30, "Maximum TTL hops")
	fs.UintVarP(&args.Queries, "queries", "q", 3, "Probes per hop")
	fs.UintVar(&args.PayloadSize, "payload-size", minPayloadSize, "UDP payload bytes per probe")
	fs.StringVarP(&args.Interface, "interface", "I", "", "Capture interface (default: from the route to the destination)")
	fs.BoolVarP(&args.NoResolve, "no-resolve", "n", false, "Do not resolve IP addresses to hostnames")
	fs.DurationVarP(&args.InterProbeDelay, "inter-probe-delay", "d", 50*time.Millisecond, "Delay between probes")
	fs.DurationVarP(&args.Timeout, "timeout", "t", 3*time.Second, "Response timeout")
	fs.BoolVarP(&args.Json, "json", "J", false, "Write JSON lines to stdout")
	fs.StringVar(&args.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	fs.StringVarP(&args.Log, "log", "l", "", "Diagnostic log file (empty = stderr)")
	fs.StringVar(&args.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.IntVar(&args.LogMaxSize, "log-max-size", 10, "Rotate the log file after this many megabytes")
	fs.IntVar(&args.LogBackups, "log-backups", 3, "Rotated log files to keep")

	if err := fs.Parse(argv); err != nil {
		return args, err
	}
	if args.ShowVersion {
		return args, nil
	}

	args.Destination = fs.Arg(0)
	if args.Destination == "" {
		return args, errors.New("destination is required")
	}

	switch {
	case args.ForceIPv6 && args.ForceIPv4:
		return args, errors.New("cannot force both IPv4 and IPv6")
	case args.DestinationPort == 0 || args.DestinationPort > 65535:
		return args, errors.New("destination port must be between 1 and 65535")
	case args.SourcePort == 0 || args.SourcePort > 65535:
		return args, errors.New("source port must be between 1 and 65535")
	case args.MaxTTL == 0 || args.MaxTTL > 255:
		return args, errors.New("maximum TTL must be between 1 and 255")
	case args.FirstTTL == 0 || args.FirstTTL > args.MaxTTL:
		return args, errors.New("first TTL must be between 1 and the maximum TTL")
	case args.Queries == 0 || args.Queries > 255:
		return args, errors.New("queries per hop must be between 1 and 255")
	case args.PayloadSize < minPayloadSize || args.PayloadSize > 1400:
		return args, errors.New("payload size must be between 2 and 1400 bytes")
	case args.Timeout <= 0:
		return args, errors.New("timeout must be positive")
	case args.MaxTTL*args.Queries > 65535:
		return args, errors.New("max TTL times queries must fit in a 16-bit tag")
	}

	return args, nil
}
