// Yak is a personal assistant reached over chat bridges and email.
//
// It runs a tool-calling agent loop against a local Ollama model, with
// tools for video generation, asset search, calendars and workspace
// files. Configuration is loaded from a YAML file discovered
// automatically (see [config.DefaultSearchPaths]), overlaid with
// environment variables and .env files.
//
// Usage:
//
//	yak serve              Start channels, scheduler and the HTTP API
//	yak ask <question>     Ask a single question and print the reply
//	yak health             Probe upstream services once and report
//	yak backfill [limit]   Index stored assets for semantic search
//	yak version            Print version and build information
//	yak -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/yak/internal/buildinfo"
	"github.com/nugget/yak/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the yak command. Cancelling ctx
// shuts everything down. Structured logs go to stdout (and the
// optional log file); fatal errors are returned to the caller.
//
// Arguments are parsed by hand to keep package-level flag state out of
// the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: yak ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "health":
		return runHealth(ctx, stdout, stderr, configPath, outputFmt)
	case "backfill":
		return runBackfill(ctx, stdout, stderr, configPath, cmdArgs, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Yak - personal assistant for chat and email")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: yak [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Start channels, scheduler and the HTTP API")
	fmt.Fprintln(w, "  ask <question>  Ask a single question and print the reply")
	fmt.Fprintln(w, "  health          Probe upstream services once and report")
	fmt.Fprintln(w, "  backfill [n]    Index stored assets for semantic search (default: all)")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	fmt.Fprintln(w, "Without a config file Yak runs on defaults plus environment.")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. When a log file
// is configured, output is teed into a size-rotated file; the returned
// func closes it.
func configuredLogger(stdout io.Writer, cfg *config.Config) (*slog.Logger, func()) {
	// Validate has already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)

	lf := cfg.LogFile
	if lf.Path == "" {
		return newLogger(stdout, level, cfg.LogFormat), func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   config.ExpandHome(lf.Path),
		MaxSize:    lf.MaxSizeMB,
		MaxBackups: lf.MaxBackups,
		MaxAge:     lf.MaxAgeDays,
		Compress:   lf.Compress,
	}
	return newLogger(io.MultiWriter(stdout, rotator), level, cfg.LogFormat), func() { _ = rotator.Close() }
}

// loadConfig loads .env files, then locates and parses the YAML
// configuration. It returns the parsed config and the path that was
// loaded, which is empty when running on defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	if _, err := config.LoadDotEnv(config.DotEnvPaths()...); err != nil {
		return nil, "", err
	}

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if cfgPath == "" {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
