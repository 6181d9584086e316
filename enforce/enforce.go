// Package enforce installs the restrictions named by a policy.Policy into
// the calling process, then execs the target command in its place.
//
// It runs after the supervisor's self-reexec hand-off, in a process that
// has nothing else to do but become the sandboxed child: the ordering of
// steps here is load-bearing (rlimits before jail before filter before
// exec), matching the contract the supervisor package assumes.
package enforce

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	serrors "sandboxsv/errors"
	"sandboxsv/logging"
	"sandboxsv/policy"

	"golang.org/x/sys/unix"
)

// ReportFD is the file descriptor WriteReport writes to. os/exec appends
// ExtraFiles starting at fd 3 (after stdin/stdout/stderr), so a caller
// that reexecs with exactly one extra file gets this fd in the child —
// the same parent/child pipe handoff the teacher used for init
// synchronization, carrying a JSON Report instead of a signal byte.
const ReportFD = 3

// Restriction is a bitset of the restrictions a policy asks for / that
// were actually applied. A zero value for a given field means "not
// requested"; seeing it clear in Applied after being set in Requested
// means the enforcer degraded gracefully instead of silently skipping it.
type Restriction uint8

const (
	RestrictCPU Restriction = 1 << iota
	RestrictMemory
	RestrictProcs
	RestrictFileSize
	RestrictJail
	RestrictNetwork
)

// Report describes which restrictions were requested and which were
// actually applied before Exec replaces the process image.
type Report struct {
	Requested Restriction
	Applied   Restriction
}

// Apply installs rlimits, chroots into the jail, installs the seccomp
// network filter, and execs the target — in that order. On success it
// does not return: the process image is replaced. On failure before exec,
// it returns a non-nil error and the caller (the hidden enforce
// subcommand) should exit non-zero without ever reaching fork/exec of the
// real target.
func Apply(p policy.Policy) error {
	report := Report{}
	if p.CPUSeconds != 0 {
		report.Requested |= RestrictCPU
	}
	if p.MemoryBytes != 0 {
		report.Requested |= RestrictMemory
	}
	if p.MaxProcs != 0 {
		report.Requested |= RestrictProcs
	}
	if p.FileSizeBytes != 0 {
		report.Requested |= RestrictFileSize
	}
	if p.JailPath != "" {
		report.Requested |= RestrictJail
	}
	if p.NoNetwork {
		report.Requested |= RestrictNetwork
	}

	// WriteReport is called explicitly before every return, success or
	// failure, rather than deferred: syscall.Exec on the success path
	// replaces the process image without ever unwinding deferred calls.
	if err := applyRlimits(p, &report); err != nil {
		WriteReport(report)
		return err
	}

	if err := applyJail(p, &report); err != nil {
		WriteReport(report)
		return err
	}

	if err := applyNetworkFilter(p, &report); err != nil {
		WriteReport(report)
		return err
	}

	WriteReport(report)
	return execTarget(p)
}

// WriteReport marshals report onto ReportFD and closes it, so the real
// target exec'd afterward never inherits the pipe's write end. A caller
// without that fd open (e.g. a test invoking Apply directly) gets a no-op:
// os.NewFile on an fd nothing opened returns a file that fails on first
// write, which is silently ignored here same as any other write failure —
// the supervisor's own Wait4-based classification is authoritative either
// way, this pipe only enriches it.
func WriteReport(report Report) {
	f := os.NewFile(uintptr(ReportFD), "sandboxsv-report")
	if f == nil {
		return
	}
	defer f.Close()

	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	_, _ = f.Write(data)
}

// applyRlimits sets soft==hard resource limits for every non-zero policy
// field, using prlimit(2) on the calling process (pid 0) rather than the
// older setrlimit(2) wrapper — prlimit gives a cleaner two-struct call
// and matches the raw-syscall idiom this codebase otherwise follows.
func applyRlimits(p policy.Policy, report *Report) error {
	set := func(resource int, value uint64, bit Restriction) error {
		if value == 0 {
			return nil
		}
		lim := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(0, resource, &lim, nil); err != nil {
			return serrors.WrapWithDetail(err, serrors.ErrResource, "rlimit",
				fmt.Sprintf("resource %d value %d", resource, value))
		}
		report.Applied |= bit
		return nil
	}

	if err := set(unix.RLIMIT_CPU, p.CPUSeconds, RestrictCPU); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_AS, p.MemoryBytes, RestrictMemory); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NPROC, p.MaxProcs, RestrictProcs); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_FSIZE, p.FileSizeBytes, RestrictFileSize); err != nil {
		return err
	}
	return nil
}

// applyJail chdirs into the jail path and chroots into it. Lacking the
// privilege to chroot is a warning, not a fatal error — the run proceeds
// unjailed, and Report.Applied will not carry RestrictJail, so the
// supervisor never claims a restriction it did not actually get.
func applyJail(p policy.Policy, report *Report) error {
	if p.JailPath == "" {
		return nil
	}

	if err := os.Chdir(p.JailPath); err != nil {
		return serrors.Wrap(err, serrors.ErrJail, "chdir jail")
	}
	if err := syscall.Chroot("."); err != nil {
		if serrors.Is(err, syscall.EPERM) {
			logging.Warn("chroot requires elevated privileges, continuing without jail", "path", p.JailPath)
			return nil
		}
		return serrors.Wrap(err, serrors.ErrJail, "chroot")
	}
	if err := os.Chdir("/"); err != nil {
		return serrors.Wrap(err, serrors.ErrJail, "chdir /")
	}
	report.Applied |= RestrictJail
	return nil
}

// applyNetworkFilter installs PR_SET_NO_NEW_PRIVS and a BPF seccomp filter
// that denies the socket-creating and socket-I/O syscalls. Failure to
// install is logged and treated as a soft degradation, same posture as
// the jail step.
func applyNetworkFilter(p policy.Policy, report *Report) error {
	if !p.NoNetwork {
		return nil
	}

	if err := setNoNewPrivs(); err != nil {
		logging.Warn("failed to set no_new_privs, continuing without network filter", "error", err)
		return nil
	}

	if err := installNetworkFilter(); err != nil {
		logging.Warn("failed to install network filter, continuing without it", "error", err)
		return nil
	}

	report.Applied |= RestrictNetwork
	return nil
}

// execTarget replaces the process image with the target command. It only
// returns on failure to locate or exec the binary.
func execTarget(p policy.Policy) error {
	path, err := exec.LookPath(p.TargetArgv[0])
	if err != nil {
		return serrors.Wrap(err, serrors.ErrTarget, "lookup target")
	}

	if err := syscall.Exec(path, p.TargetArgv, os.Environ()); err != nil {
		return serrors.Wrap(err, serrors.ErrTarget, "exec target")
	}
	return nil // unreachable on success
}
