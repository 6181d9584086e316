// Package supervisor drives the lifecycle of a single sandboxed child:
// spawn it under the enforced policy, wait for it to terminate, classify
// the termination, and produce a Result.
//
// Go has no raw fork() to hook between fork and exec, so the policy is
// installed by a self-reexec: the supervisor launches its own binary
// under a hidden subcommand, carrying the Policy across the boundary as
// a plain encoded value (never a pointer into the parent's memory). The
// reexec'd process runs enforce.Apply and, on success, never returns —
// it has become the target.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"sandboxsv/enforce"
	serrors "sandboxsv/errors"
	"sandboxsv/logging"
	"sandboxsv/policy"
)

// EnforceEnvVar carries the JSON-encoded Policy across the self-reexec
// boundary. cmd.runEnforce reads it back out.
const EnforceEnvVar = "SANDBOXSV_POLICY_JSON"

// EnforceSubcommandArg is the hidden argv[1] the supervisor re-execs
// itself with to reach the enforcer code path.
const EnforceSubcommandArg = "__enforce__"

// ChildRun tracks one supervised child across its lifetime.
type ChildRun struct {
	Policy         policy.Policy
	PID            int
	StartMonotonic time.Time
	EndMonotonic   time.Time
}

// EncodePolicy marshals a Policy into the plain-value form carried across
// the self-reexec environment.
func EncodePolicy(p policy.Policy) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", serrors.Wrap(err, serrors.ErrInternal, "encode policy")
	}
	return string(data), nil
}

// DecodePolicy reverses EncodePolicy.
func DecodePolicy(s string) (policy.Policy, error) {
	var p policy.Policy
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return policy.Policy{}, serrors.Wrap(err, serrors.ErrInternal, "decode policy")
	}
	return p, nil
}

// AttachFunc is called with the child's PID immediately after spawn, so a
// caller can attach a monitor.Session. It runs in the parent, after fork,
// before the blocking wait.
type AttachFunc func(pid int)

// Supervise spawns the target under p, waits for it to terminate, and
// returns a Result. If timeout is non-zero, the child is killed and the
// run is reported as OutcomeTimeoutExceeded if it has not terminated by
// then — unless a resource-limit termination is observed first, which
// always takes precedence (first cause wins).
func Supervise(ctx context.Context, p policy.Policy, timeout time.Duration, attach AttachFunc) (Result, error) {
	self, err := os.Executable()
	if err != nil {
		return Result{}, serrors.Wrap(err, serrors.ErrInternal, "resolve self executable")
	}

	encoded, err := EncodePolicy(p)
	if err != nil {
		return Result{}, err
	}

	logging.Info("policy parsed", "policy", p.String())

	parentRead, childWrite, err := newReportPipe()
	if err != nil {
		return Result{}, serrors.Wrap(err, serrors.ErrInternal, "open report pipe")
	}

	cmd := exec.Command(self, EnforceSubcommandArg)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", EnforceEnvVar, encoded))
	cmd.ExtraFiles = []*os.File{childWrite}

	run := ChildRun{Policy: p}
	run.StartMonotonic = time.Now()

	if err := cmd.Start(); err != nil {
		parentRead.Close()
		childWrite.Close()
		return Result{}, serrors.Wrap(err, serrors.ErrInternal, "spawn child")
	}
	run.PID = cmd.Process.Pid

	// The parent's copy of the write end must close so readReport sees EOF
	// once the child's own copy closes — otherwise two processes hold the
	// write end open and the read blocks forever.
	childWrite.Close()

	logging.WithPID(logging.Default(), run.PID).Info("child spawned")
	if attach != nil {
		attach(run.PID)
	}

	report := readReport(parentRead)

	result, err := wait(ctx, &run, timeout)
	run.EndMonotonic = time.Now()
	result.Elapsed = run.EndMonotonic.Sub(run.StartMonotonic)
	result.PID = run.PID
	result.RestrictionsReq = uint8(report.Requested)
	result.RestrictionsApp = uint8(report.Applied)
	return result, err
}

// wait blocks on the child via wait4 in a goroutine, racing that blocking
// wait against an optional timeout timer and ctx cancellation, and
// classifies the termination.
func wait(ctx context.Context, run *ChildRun, timeout time.Duration) (Result, error) {
	type waitOutcome struct {
		wstatus syscall.WaitStatus
		err     error
	}
	waitCh := make(chan waitOutcome, 1)

	go func() {
		var wstatus syscall.WaitStatus
		_, err := syscall.Wait4(run.PID, &wstatus, 0, nil)
		waitCh <- waitOutcome{wstatus, err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		_ = syscall.Kill(run.PID, syscall.SIGKILL)
		<-waitCh
		return Result{}, ctx.Err()

	case <-timeoutCh:
		_ = syscall.Kill(run.PID, syscall.SIGKILL)
		outcome := <-waitCh
		if outcome.err != nil {
			return Result{}, serrors.Wrap(outcome.err, serrors.ErrInternal, "wait4")
		}
		res := classify(outcome.wstatus, run.Policy)
		// The SIGKILL sent above is the timeout's own, so it is not read as
		// the memory-cap heuristic's uncatchable kill.
		if res.Outcome == OutcomeUnknown || res.Outcome == OutcomeStopped ||
			res.Outcome == OutcomeMemoryLimitExceeded {
			res.Outcome = OutcomeTimeoutExceeded
		}
		return res, nil

	case outcome := <-waitCh:
		if outcome.err != nil {
			return Result{}, serrors.Wrap(outcome.err, serrors.ErrInternal, "wait4")
		}
		return classify(outcome.wstatus, run.Policy), nil
	}
}

// classify turns a raw wait status into a Result outcome, matching the
// spec's termination-classification rules: normal exit, then signal-based
// heuristics (CPU, file size, memory-via-uncatchable-kill), then stopped
// or unknown as failure.
func classify(wstatus syscall.WaitStatus, p policy.Policy) Result {
	if wstatus.Exited() {
		code := wstatus.ExitStatus()
		return Result{Outcome: OutcomeExited, ExitCode: &code, Success: code == 0, Policy: p}
	}

	if wstatus.Signaled() {
		sig := wstatus.Signal()
		res := Result{Signal: int(sig), SignalName: sig.String(), Policy: p}

		switch sig {
		case syscall.SIGXCPU:
			res.Outcome = OutcomeCPULimitExceeded
		case syscall.SIGXFSZ:
			res.Outcome = OutcomeFileSizeLimitExceeded
		case syscall.SIGKILL:
			if p.MemoryBytes > 0 {
				res.Outcome = OutcomeMemoryLimitExceeded
			} else {
				res.Outcome = OutcomeUnknown
			}
		default:
			res.Outcome = OutcomeUnknown
		}
		return res
	}

	if wstatus.Stopped() {
		return Result{Outcome: OutcomeStopped, Policy: p}
	}

	return Result{Outcome: OutcomeUnknown, Policy: p}
}
