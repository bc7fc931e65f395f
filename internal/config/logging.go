package config

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// isTerminal is replaced in tests.
var isTerminal = func(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// SetupLogging configures the global slog logger. Logs go to a rotated file
// when args.Log is set, otherwise to stderr. The returned closer releases the
// log file and is nil when logging to stderr.
func SetupLogging(args Args) (io.Closer, error) {
	var (
		output io.Writer = os.Stderr
		closer io.Closer
	)
	if args.Log != "" {
		lj := &lumberjack.Logger{
			Filename:   args.Log,
			MaxSize:    args.LogMaxSize, // megabytes
			MaxBackups: args.LogBackups,
		}
		output, closer = lj, lj
	}

	slog.SetDefault(slog.New(newHandler(output, args, args.Log == "" && !isTerminal(os.Stderr))))
	return closer, nil
}

// newHandler returns a JSON handler when structured is set and a text
// handler otherwise.
func newHandler(w io.Writer, args Args, structured bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(args.LogLevel),
	}
	if opts.Level == slog.LevelDebug {
		opts.AddSource = true
	}
	if structured {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLogLevel converts string to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
