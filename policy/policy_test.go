package policy

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	serrors "sandboxsv/errors"
)

// ==================== PARSE TESTS ====================

func TestParse_AllOptions(t *testing.T) {
	jail := t.TempDir()
	p, err := Parse([]string{"cpu=3", "mem=256", "procs=10", "fsize=64", "jail=" + jail, "no-net", "--", "/bin/sh", "-c", "echo hi"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := Policy{
		CPUSeconds:    3,
		MemoryBytes:   256 * mib,
		MaxProcs:      10,
		FileSizeBytes: 64 * mib,
		JailPath:      jail,
		NoNetwork:     true,
		TargetArgv:    []string{"/bin/sh", "-c", "echo hi"},
	}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("Parse() = %+v, want %+v", p, want)
	}
}

// TestParse_JailPathNotExist tests that a jail path which does not exist on
// disk is rejected before a child could ever be spawned.
func TestParse_JailPathNotExist(t *testing.T) {
	_, err := Parse([]string{"jail=/nonexistent/sandboxsv-test-path", "--", "/bin/true"})
	if err == nil {
		t.Fatal("Parse() expected error for nonexistent jail path")
	}
	if !errors.Is(err, serrors.ErrInvalidJailPath) {
		t.Errorf("Parse() error = %v, want errors.Is(err, ErrInvalidJailPath)", err)
	}
}

// TestParse_JailPathNotDirectory tests that a jail path pointing at a
// regular file, not a directory, is rejected.
func TestParse_JailPathNotDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := Parse([]string{"jail=" + file, "--", "/bin/true"})
	if err == nil {
		t.Fatal("Parse() expected error for non-directory jail path")
	}
	if !errors.Is(err, serrors.ErrInvalidJailPath) {
		t.Errorf("Parse() error = %v, want errors.Is(err, ErrInvalidJailPath)", err)
	}
}

// TestParse_JailPathCanonicalized tests that a jail path reached through a
// symlink is resolved to its real path before being stored on the Policy.
func TestParse_JailPathCanonicalized(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "jail-link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink not supported in this environment: %v", err)
	}

	p, err := Parse([]string{"jail=" + link, "--", "/bin/true"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	resolvedReal, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatalf("EvalSymlinks(real): %v", err)
	}
	if p.JailPath != resolvedReal {
		t.Errorf("JailPath = %q, want canonicalized %q", p.JailPath, resolvedReal)
	}
}

func TestParse_NoTerminatorNeeded(t *testing.T) {
	p, err := Parse([]string{"cpu=1", "/bin/echo", "hi"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.CPUSeconds != 1 {
		t.Errorf("CPUSeconds = %d, want 1", p.CPUSeconds)
	}
	if !reflect.DeepEqual(p.TargetArgv, []string{"/bin/echo", "hi"}) {
		t.Errorf("TargetArgv = %v", p.TargetArgv)
	}
}

func TestParse_OptionsAfterTerminatorArePassthrough(t *testing.T) {
	p, err := Parse([]string{"--", "cpu=1", "echo", "hi"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.CPUSeconds != 0 {
		t.Errorf("CPUSeconds = %d, want 0 (cpu=1 is target argv after --)", p.CPUSeconds)
	}
	if !reflect.DeepEqual(p.TargetArgv, []string{"cpu=1", "echo", "hi"}) {
		t.Errorf("TargetArgv = %v", p.TargetArgv)
	}
}

func TestParse_NoTarget(t *testing.T) {
	_, err := Parse([]string{"cpu=1", "no-net"})
	if err == nil {
		t.Fatal("Parse() expected error for missing target")
	}
}

func TestParse_MalformedValue(t *testing.T) {
	tests := []string{"cpu=abc", "mem=-1", "procs=", "fsize=1.5"}
	for _, tok := range tests {
		t.Run(tok, func(t *testing.T) {
			_, err := Parse([]string{tok, "--", "/bin/true"})
			if err == nil {
				t.Errorf("Parse([%q, ...]) expected error", tok)
			}
		})
	}
}

func TestParse_RelativeJailRejected(t *testing.T) {
	_, err := Parse([]string{"jail=relative/path", "--", "/bin/true"})
	if err == nil {
		t.Fatal("Parse() expected error for relative jail path")
	}
}

func TestParse_Help(t *testing.T) {
	_, err := Parse([]string{"help"})
	if err == nil {
		t.Fatal("Parse() expected error signaling help")
	}
}

// ==================== ROUND-TRIP / IDEMPOTENCE ====================

func TestPolicy_StringRoundTrip(t *testing.T) {
	jail := t.TempDir()
	tests := []Policy{
		{TargetArgv: []string{"/bin/true"}},
		{CPUSeconds: 5, TargetArgv: []string{"/bin/sh", "-c", "sleep"}},
		{MemoryBytes: 128 * mib, NoNetwork: true, TargetArgv: []string{"/usr/bin/python3", "script.py"}},
		{JailPath: jail, MaxProcs: 4, FileSizeBytes: 10 * mib, TargetArgv: []string{"/bin/cat", "file"}},
	}

	for _, p := range tests {
		encoded := p.String()
		reparsed, err := Parse(splitTokens(encoded))
		if err != nil {
			t.Fatalf("round-trip Parse(%q) error = %v", encoded, err)
		}
		if !reflect.DeepEqual(p, reparsed) {
			t.Errorf("round-trip mismatch: original=%+v reparsed=%+v (encoded=%q)", p, reparsed, encoded)
		}
	}
}

// splitTokens is a naive whitespace tokenizer sufficient for policies whose
// target argv never itself contains a literal space.
func splitTokens(s string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
