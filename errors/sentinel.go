// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Policy parsing and validation errors.
var (
	// ErrUnknownToken indicates an unrecognized option token.
	ErrUnknownToken = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "unknown option token",
	}

	// ErrMalformedValue indicates an option token's value could not be parsed.
	ErrMalformedValue = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "malformed option value",
	}

	// ErrNoTarget indicates no target command was given.
	ErrNoTarget = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "no target command specified",
	}

	// ErrInvalidJailPath indicates the jail path does not exist or is not a directory.
	ErrInvalidJailPath = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "invalid jail path",
	}
)

// Resource-limit errors.
var (
	// ErrRlimitSetup indicates a setrlimit/prlimit call failed.
	ErrRlimitSetup = &SupervisorError{
		Kind:   ErrResource,
		Detail: "failed to apply resource limit",
	}
)

// Jail errors.
var (
	// ErrChrootFailed indicates chroot() failed.
	ErrChrootFailed = &SupervisorError{
		Kind:   ErrJail,
		Detail: "failed to chroot into jail",
	}

	// ErrChrootUnprivileged indicates chroot was skipped for lack of privilege.
	ErrChrootUnprivileged = &SupervisorError{
		Kind:   ErrPermission,
		Detail: "chroot requires elevated privileges",
	}
)

// Seccomp errors.
var (
	// ErrSeccompInstall indicates the BPF network filter failed to install.
	ErrSeccompInstall = &SupervisorError{
		Kind:   ErrSeccomp,
		Detail: "failed to install network filter",
	}

	// ErrNoNewPrivs indicates PR_SET_NO_NEW_PRIVS failed.
	ErrNoNewPrivs = &SupervisorError{
		Kind:   ErrSeccomp,
		Detail: "failed to set no_new_privs",
	}
)

// Target process errors.
var (
	// ErrTargetNotFound indicates the target binary could not be located.
	ErrTargetNotFound = &SupervisorError{
		Kind:   ErrTarget,
		Detail: "target command not found",
	}

	// ErrExecFailed indicates syscall.Exec failed.
	ErrExecFailed = &SupervisorError{
		Kind:   ErrTarget,
		Detail: "failed to exec target",
	}

	// ErrWaitFailed indicates wait4 on the child failed.
	ErrWaitFailed = &SupervisorError{
		Kind:   ErrInternal,
		Detail: "failed to wait for child",
	}
)

// Observation (monitor) errors.
var (
	// ErrSampleUnavailable indicates a sample could not be read (process gone).
	ErrSampleUnavailable = &SupervisorError{
		Kind:   ErrObservation,
		Detail: "process info unavailable",
	}

	// ErrLogWrite indicates a JSONL log write failed.
	ErrLogWrite = &SupervisorError{
		Kind:   ErrObservation,
		Detail: "failed to write monitor log",
	}

	// ErrRotateFailed indicates log rotation/archival failed.
	ErrRotateFailed = &SupervisorError{
		Kind:   ErrObservation,
		Detail: "failed to rotate monitor log",
	}
)
