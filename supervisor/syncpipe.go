package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"sandboxsv/enforce"
)

// newReportPipe opens an OS pipe used to carry the enforcer's Report back
// across the self-reexec boundary: a plain os.Pipe handed to the
// child as an extra file, the same parent/child handoff idiom as the
// teacher's synchronization pipe, adapted here to carry a small JSON
// payload instead of a single signal byte.
func newReportPipe() (parentRead *os.File, childWrite *os.File, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("report pipe: %w", err)
	}
	return r, w, nil
}

// readReport blocks until the child closes its end of the pipe (on success,
// right after the enforcer writes its Report; on failure, whenever the
// reexec'd process exits) and decodes whatever was written. An empty or
// malformed payload decodes to a zero Report rather than an error — the
// caller already has the real outcome from Wait4.
func readReport(parentRead *os.File) enforce.Report {
	data, _ := io.ReadAll(parentRead)
	parentRead.Close()

	var report enforce.Report
	if len(data) == 0 {
		return report
	}
	_ = json.Unmarshal(data, &report)
	return report
}

