// Package cmd implements the sandboxsv CLI.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sandboxsv/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags, parsed by hand from the raw argv rather than by pflag —
// see parseGlobalArgs. DisableFlagParsing is set on rootCmd so a sandboxed
// target command's own dash-prefixed arguments ("ls -la") are never mistaken
// for sandboxsv's own flags.
var (
	globalLogDir        string
	globalLog           string
	globalLogFormat     = "text"
	globalDebug         bool
	globalFormat        = "text"
	globalMetricsEnable bool
	globalMetricsAddr   = ":9090"
	globalTimeoutSec    uint64
)

// rootCmd is the base command for sandboxsv.
var rootCmd = &cobra.Command{
	Use:   "sandboxsv [options] -- command [args...]",
	Short: "Process sandbox supervisor",
	Long: `sandboxsv launches a command as a resource-restricted, network-denied,
chroot-jailed child process, observes it to termination, and reports a
structured outcome.

Options use a bare token grammar rather than flags: cpu=N, mem=M, procs=N,
fsize=M, jail=PATH, no-net. An explicit -- terminates options; the first
token sandboxsv does not recognize also starts the target command.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	DisableFlagParsing: true,
	Args:               cobra.ArbitraryArgs,
	RunE:               runSupervise,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetMonitorLogDir returns the directory the monitor writes its JSONL logs
// into, honoring --root, then SANDBOXSV_LOG_DIR, then a fixed default.
func GetMonitorLogDir() string {
	if globalLogDir != "" {
		return globalLogDir
	}
	if dir := os.Getenv("SANDBOXSV_LOG_DIR"); dir != "" {
		return dir
	}
	return "/var/log/sandboxsv"
}

func setupLogging() {
	logOutput := os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}
