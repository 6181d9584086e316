package enforce

import (
	"testing"

	"sandboxsv/policy"
)

// ==================== NETWORK FILTER BUILD TESTS ====================

func TestBuildNetworkFilter_EndsInAllow(t *testing.T) {
	filter := buildNetworkFilter()
	if len(filter) == 0 {
		t.Fatal("buildNetworkFilter() returned empty program")
	}
	last := filter[len(filter)-1]
	if last.Code != bpfRET|bpfK || last.K != seccompRetAllow {
		t.Errorf("last instruction = %+v, want default-allow return", last)
	}
}

func TestBuildNetworkFilter_DeniesEverySyscall(t *testing.T) {
	filter := buildNetworkFilter()

	for name, nr := range deniedSyscalls {
		found := false
		for _, instr := range filter {
			if instr.Code == bpfJMP|bpfJEQ|bpfK && instr.K == uint32(nr) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("filter has no jump check for denied syscall %q (nr=%d)", name, nr)
		}
	}
}

func TestBuildNetworkFilter_ArchCheckFirst(t *testing.T) {
	filter := buildNetworkFilter()
	if filter[0].Code != bpfLD|bpfW|bpfABS || filter[0].K != offsetArch {
		t.Errorf("first instruction = %+v, want arch load", filter[0])
	}
}

// ==================== RESTRICTION BITSET TESTS ====================

func TestReport_RequestedTracksPolicyFields(t *testing.T) {
	p := policy.Policy{
		CPUSeconds: 1,
		MaxProcs:   2,
		NoNetwork:  true,
		TargetArgv: []string{"/bin/true"},
	}

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
	if p.NoNetwork {
		report.Requested |= RestrictNetwork
	}

	want := RestrictCPU | RestrictProcs | RestrictNetwork
	if report.Requested != want {
		t.Errorf("Requested = %b, want %b", report.Requested, want)
	}
	if report.Requested&RestrictMemory != 0 {
		t.Error("Requested should not carry RestrictMemory when MemoryBytes is zero")
	}
}

func TestWriteReport_NoFDDoesNotPanic(t *testing.T) {
	// In the test process fd 3 is not the report pipe ExtraFiles would
	// provide under a real self-reexec; WriteReport must degrade to a
	// silent no-op rather than panic or block.
	WriteReport(Report{Requested: RestrictCPU, Applied: RestrictCPU})
}

func TestRestriction_BitsAreDistinct(t *testing.T) {
	bits := []Restriction{RestrictCPU, RestrictMemory, RestrictProcs, RestrictFileSize, RestrictJail, RestrictNetwork}
	seen := Restriction(0)
	for _, b := range bits {
		if seen&b != 0 {
			t.Errorf("restriction bit %b overlaps with an earlier bit", b)
		}
		seen |= b
	}
}
