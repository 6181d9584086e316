package logging

import "log/slog"

// WithRun returns a logger tagged with a monitor run identifier — the same
// token used in the run's JSONL log filename, so a run's start, sample,
// and stop lines can be grepped together across a busy log directory.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(slog.String("run_id", runID))
}

// WithPID returns a logger tagged with the supervised child's process ID.
// Used from the moment the child is spawned through to its termination,
// since a single sandboxsv invocation supervises exactly one PID.
func WithPID(logger *slog.Logger, pid int) *slog.Logger {
	return logger.With(slog.Int("pid", pid))
}

// WithPath returns a logger tagged with a filesystem path — the jail
// directory on an enforcement warning, or the monitor log path on a
// rotation failure.
func WithPath(logger *slog.Logger, path string) *slog.Logger {
	return logger.With(slog.String("path", path))
}
