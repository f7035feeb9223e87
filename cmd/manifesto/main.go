package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/manifesto/internal/config"
	"github.com/schaermu/manifesto/internal/metrics"
	"github.com/schaermu/manifesto/internal/orchestrate"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errOperationFailed signals a failed batch. Its causes were already logged.
var errOperationFailed = errors.New("operation failed")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errOperationFailed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// app carries the global flags and the per-run dependencies
type app struct {
	cfgFile     string
	logLevel    string
	logFormat   string
	metricsFile string

	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "manifesto",
		Short: "Verify and maintain Gentoo-style Manifest trees",
		Long: `manifesto verifies, updates and creates cascading Manifest trees that record
the size and checksums of every file below a directory.

The top-level Manifest can be OpenPGP signed. Sub-Manifests are created according
to the selected profile and may be stored compressed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")

	rootCmd.AddCommand(newVerifyCmd(a))
	rootCmd.AddCommand(newUpdateCmd(a))
	rootCmd.AddCommand(newCreateCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "manifesto %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// setup loads the configuration and builds the logger and metrics for a
// command. Flags given on the command line win over the config file.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	flags := cmd.Flags()
	if !flags.Changed("log-level") {
		a.logLevel = cfg.Log.Level
	}
	if !flags.Changed("log-format") {
		a.logFormat = cfg.Log.Format
	}
	if !flags.Changed("metrics-file") {
		a.metricsFile = cfg.Metrics.Textfile
	}

	a.logger = setupLogger(a.logLevel, a.logFormat, a.stderr)
	a.metrics = metrics.NewCollector(nil)
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.cfgFile != "" {
		return config.Load(a.cfgFile)
	}
	return config.LoadOptional(config.DefaultPath)
}

func (a *app) orchestrator() *orchestrate.Orchestrator {
	return orchestrate.NewDefault(a.metrics, a.logger)
}

// finish exports metrics and turns a failed batch into errOperationFailed
func (a *app) finish(batch *orchestrate.BatchResult) error {
	if a.metricsFile != "" {
		if err := a.metrics.WriteTextfile(a.metricsFile); err != nil {
			a.logger.Error("failed to write metrics", "path", a.metricsFile, "error", err)
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	if !batch.OK {
		return errOperationFailed
	}
	return nil
}

func setupLogger(logLevel, logFormat string, w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == config.FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func pathsOrDefault(args []string, def string) []string {
	if len(args) == 0 {
		return []string{def}
	}
	return args
}
