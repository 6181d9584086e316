package enforce

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Seccomp/BPF constants, same values the kernel UAPI headers define.
const (
	seccompModeFilter = 2

	seccompRetKillProcess = 0x80000000
	seccompRetErrno       = 0x00050000
	seccompRetAllow       = 0x7fff0000

	prSetNoNewPrivs = 38
	prSetSeccomp    = 22

	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00

	offsetNR   = 0
	offsetArch = 4

	auditArchX8664 = 0xc000003e
)

// deniedSyscalls is the fixed set of network-initiating/transferring
// syscalls the network filter blocks. This is deliberately not an
// arbitrary rule table — one filter, one purpose.
var deniedSyscalls = map[string]int{
	"socket":   41,
	"connect":  42,
	"sendto":   44,
	"recvfrom": 45,
	"sendmsg":  46,
	"recvmsg":  47,
}

// sockFilter is a single BPF instruction (struct sock_filter).
type sockFilter struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

// sockFprog is the BPF program handed to the kernel (struct sock_fprog).
type sockFprog struct {
	Len    uint16
	Filter *sockFilter
}

func bpfStmt(code uint16, k uint32) sockFilter {
	return sockFilter{Code: code, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) sockFilter {
	return sockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// setNoNewPrivs sets PR_SET_NO_NEW_PRIVS, a prerequisite for installing a
// seccomp filter as an unprivileged process.
func setNoNewPrivs() error {
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetNoNewPrivs, 1, 0)
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %v", errno)
	}
	return nil
}

// installNetworkFilter builds and installs the BPF program that denies
// deniedSyscalls with EPERM and allows everything else. Only supported on
// amd64/linux; other architectures return an error so the caller degrades
// gracefully instead of installing a filter checking the wrong arch value.
func installNetworkFilter() error {
	if runtime.GOARCH != "amd64" {
		return fmt.Errorf("network filter not implemented for %s", runtime.GOARCH)
	}

	filter := buildNetworkFilter()
	prog := sockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	_, _, errno := unix.Syscall(unix.SYS_PRCTL,
		prSetSeccomp, seccompModeFilter, uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_SECCOMP): %v", errno)
	}
	return nil
}

// buildNetworkFilter constructs: check arch, load syscall nr, for each
// denied syscall jump-and-return EPERM, else fall through to ALLOW.
func buildNetworkFilter() []sockFilter {
	var f []sockFilter

	f = append(f, bpfStmt(bpfLD|bpfW|bpfABS, offsetArch))
	f = append(f, bpfJump(bpfJMP|bpfJEQ|bpfK, auditArchX8664, 1, 0))
	f = append(f, bpfStmt(bpfRET|bpfK, seccompRetKillProcess))

	f = append(f, bpfStmt(bpfLD|bpfW|bpfABS, offsetNR))

	for _, nr := range deniedSyscalls {
		f = append(f, bpfJump(bpfJMP|bpfJEQ|bpfK, uint32(nr), 0, 1))
		f = append(f, bpfStmt(bpfRET|bpfK, seccompRetErrno|uint32(unix.EPERM)))
	}

	f = append(f, bpfStmt(bpfRET|bpfK, seccompRetAllow))
	return f
}
