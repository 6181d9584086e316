// Package policy parses and validates the sandbox restrictions requested
// for a supervised run.
//
// The option grammar is not flag-shaped: bare tokens like cpu=3, mem=256,
// no-net, and an explicit -- terminator precede the target command and its
// own arguments. This package hand-parses that grammar the way a shell
// tokenizer would, rather than bending a flag library around it.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	serrors "sandboxsv/errors"

	"golang.org/x/sys/unix"
)

const mib = 1 << 20

// Policy is the immutable set of restrictions to enforce on a child process.
type Policy struct {
	// CPUSeconds is the RLIMIT_CPU value in seconds. Zero means unset.
	CPUSeconds uint64
	// MemoryBytes is the RLIMIT_AS value in bytes. Zero means unset.
	MemoryBytes uint64
	// MaxProcs is the RLIMIT_NPROC value. Zero means unset.
	MaxProcs uint64
	// FileSizeBytes is the RLIMIT_FSIZE value in bytes. Zero means unset.
	FileSizeBytes uint64
	// JailPath is the directory to chroot into. Empty means no jail.
	JailPath string
	// NoNetwork blocks outbound socket syscalls via seccomp when true.
	NoNetwork bool
	// TargetArgv is the command and arguments to run under restriction.
	TargetArgv []string
}

// String renders the policy back into the token grammar it was parsed
// from. Splitting the result on spaces and passing the tokens to Parse
// reproduces an equal Policy, provided no TargetArgv element contains a
// space and the byte sizes are whole MiB.
func (p Policy) String() string {
	var parts []string
	if p.CPUSeconds != 0 {
		parts = append(parts, fmt.Sprintf("cpu=%d", p.CPUSeconds))
	}
	if p.MemoryBytes != 0 {
		parts = append(parts, fmt.Sprintf("mem=%d", p.MemoryBytes/mib))
	}
	if p.MaxProcs != 0 {
		parts = append(parts, fmt.Sprintf("procs=%d", p.MaxProcs))
	}
	if p.FileSizeBytes != 0 {
		parts = append(parts, fmt.Sprintf("fsize=%d", p.FileSizeBytes/mib))
	}
	if p.JailPath != "" {
		parts = append(parts, fmt.Sprintf("jail=%s", p.JailPath))
	}
	if p.NoNetwork {
		parts = append(parts, "no-net")
	}
	parts = append(parts, "--")
	parts = append(parts, p.TargetArgv...)
	return strings.Join(parts, " ")
}

// Parse tokenizes args into a Policy. Recognized option tokens may appear
// in any order as a prefix run; the first unrecognized token, or anything
// following an explicit "--", starts TargetArgv.
func Parse(args []string) (Policy, error) {
	var p Policy

	i := 0
	for ; i < len(args); i++ {
		tok := args[i]

		if tok == "--" {
			i++
			break
		}
		if tok == "help" {
			return Policy{}, serrors.New(serrors.ErrInvalidConfig, "parse", "help requested")
		}
		if tok == "no-net" {
			p.NoNetwork = true
			continue
		}

		key, val, hasVal := strings.Cut(tok, "=")
		if !hasVal {
			// Not an option token we recognize: target begins here.
			break
		}

		switch key {
		case "cpu":
			n, err := parseUint(val)
			if err != nil {
				return Policy{}, serrors.WrapWithDetail(err, serrors.ErrInvalidConfig, "parse", "cpu="+val)
			}
			p.CPUSeconds = n
		case "mem":
			n, err := parseUint(val)
			if err != nil {
				return Policy{}, serrors.WrapWithDetail(err, serrors.ErrInvalidConfig, "parse", "mem="+val)
			}
			p.MemoryBytes = n * mib
		case "procs":
			n, err := parseUint(val)
			if err != nil {
				return Policy{}, serrors.WrapWithDetail(err, serrors.ErrInvalidConfig, "parse", "procs="+val)
			}
			p.MaxProcs = n
		case "fsize":
			n, err := parseUint(val)
			if err != nil {
				return Policy{}, serrors.WrapWithDetail(err, serrors.ErrInvalidConfig, "parse", "fsize="+val)
			}
			p.FileSizeBytes = n * mib
		case "jail":
			if val == "" {
				return Policy{}, serrors.WrapWithDetail(nil, serrors.ErrInvalidConfig, "parse", "jail= requires a path")
			}
			p.JailPath = val
		default:
			// key=value but not a recognized option: treat as start of target.
			goto target
		}
	}

target:
	p.TargetArgv = append([]string(nil), args[i:]...)
	if len(p.TargetArgv) == 0 {
		return Policy{}, serrors.ErrNoTarget
	}

	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return n, nil
}

// validate canonicalizes and checks JailPath before fork, per the jail-path
// contract: a bad jail is a configuration error the caller must see before
// ever spawning a child, not something the enforcer discovers after fork.
// On success, JailPath is rewritten to its symlink-resolved form.
func (p *Policy) validate() error {
	if p.JailPath == "" {
		return nil
	}

	if !strings.HasPrefix(p.JailPath, "/") {
		return serrors.WrapWithDetail(nil, serrors.ErrInvalidConfig, "validate",
			"jail path must be absolute: "+p.JailPath)
	}

	real, err := filepath.EvalSymlinks(p.JailPath)
	if err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrInvalidJailPath.Kind, "validate",
			"jail path does not exist: "+p.JailPath)
	}

	info, err := os.Stat(real)
	if err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrInvalidJailPath.Kind, "validate",
			"jail path does not exist: "+p.JailPath)
	}
	if !info.IsDir() {
		return serrors.WrapWithDetail(nil, serrors.ErrInvalidJailPath.Kind, "validate",
			"jail path is not a directory: "+p.JailPath)
	}
	if err := unix.Access(real, unix.X_OK); err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrInvalidJailPath.Kind, "validate",
			"jail path is not searchable: "+p.JailPath)
	}

	p.JailPath = real
	return nil
}
