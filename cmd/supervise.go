package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	serrors "sandboxsv/errors"
	"sandboxsv/logging"
	"sandboxsv/monitor"
	"sandboxsv/policy"
	"sandboxsv/supervisor"
)

// parseGlobalArgs consumes sandboxsv's own global options from the front
// of args, the way the teacher's original hand-rolled entrypoint consumed
// Docker/containerd-style global flags before handing off to a subcommand.
// It stops at the first token it doesn't recognize, leaving the rest for
// policy.Parse.
func parseGlobalArgs(args []string) []string {
	for len(args) > 0 {
		switch {
		case args[0] == "--root" && len(args) > 1:
			globalLogDir = args[1]
			args = args[2:]
		case args[0] == "--log" && len(args) > 1:
			globalLog = args[1]
			args = args[2:]
		case args[0] == "--log-format" && len(args) > 1:
			globalLogFormat = args[1]
			args = args[2:]
		case args[0] == "--format" && len(args) > 1:
			globalFormat = args[1]
			args = args[2:]
		case args[0] == "--metrics-addr" && len(args) > 1:
			globalMetricsAddr = args[1]
			args = args[2:]
		case args[0] == "--timeout" && len(args) > 1:
			if n, err := strconv.ParseUint(args[1], 10, 64); err == nil {
				globalTimeoutSec = n
			}
			args = args[2:]
		case args[0] == "--debug":
			globalDebug = true
			args = args[1:]
		case args[0] == "--metrics":
			globalMetricsEnable = true
			args = args[1:]
		default:
			return args
		}
	}
	return args
}

func runSupervise(cmd *cobra.Command, args []string) error {
	args = parseGlobalArgs(args)
	setupLogging()

	if os.Getenv("SANDBOXSV_METRICS_ENABLE") == "1" {
		globalMetricsEnable = true
	}
	if addr := os.Getenv("SANDBOXSV_METRICS_ADDR"); addr != "" {
		globalMetricsAddr = addr
	}

	if len(args) > 0 && args[0] == "help" {
		return cmd.Help()
	}

	p, err := policy.Parse(args)
	if err != nil {
		return err
	}

	ctx := GetContext()
	timeout := time.Duration(globalTimeoutSec) * time.Second
	logDir := GetMonitorLogDir()

	var session *monitor.Session
	var metricsSrv *monitor.MetricsServer

	attach := func(pid int) {
		s, err := monitor.Attach(logDir, pid, time.Second)
		if err != nil {
			logging.Warn("monitor attach failed, continuing without sampling", "error", err)
			return
		}
		session = s
		metricsSrv = monitor.ServeMetricsIfEnabled(globalMetricsEnable, globalMetricsAddr, session)
	}

	result, err := supervisor.Supervise(ctx, p, timeout, attach)

	if session != nil {
		if derr := session.Detach(result.ExitCode); derr != nil {
			logging.Warn("monitor detach failed", "error", derr)
		}
		result.MonitorLogPath = session.LogPath()
		if rerr := monitor.Rotate(logDir, monitor.DefaultRetention); rerr != nil {
			logging.Warn("monitor log rotation failed", "error", rerr)
		}
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}

	if err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, "supervise")
	}

	if err := emitResult(result); err != nil {
		return err
	}

	os.Exit(result.ExitStatusCode())
	return nil
}

func emitResult(result supervisor.Result) error {
	if globalFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(result)
	}

	exitCode := "null"
	if result.ExitCode != nil {
		exitCode = strconv.Itoa(*result.ExitCode)
	}
	fmt.Printf("pid=%d outcome=%s exit_code=%s signal=%s elapsed=%s\n",
		result.PID, result.Outcome, exitCode, result.SignalName, result.Elapsed)
	return nil
}
