// Package monitor samples a running child's resource usage out-of-process
// (by PID only, never via a parent/child pipe) and appends the samples to
// a JSONL log with start/sample/stop events.
//
// Sampling prefers github.com/shirou/gopsutil/v3/process, the same portable
// process-info library a production Go executor (see the pack's
// hashicorp/nomad executor) uses for exactly this kind of per-pid polling,
// and falls back to a /proc/<pid>/statm read for RSS when gopsutil returns
// an error — which happens routinely once the child has exited mid-sample.
// The other fields have no /proc fallback and are left absent instead.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	serrors "sandboxsv/errors"
	"sandboxsv/logging"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one point-in-time observation of the supervised child.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent *float64  `json:"cpu_percent,omitempty"`
	RSSBytes   *uint64   `json:"rss_bytes,omitempty"`
	NumThreads *int32    `json:"num_threads,omitempty"`
	OpenFiles  *int      `json:"open_files,omitempty"`
}

// Session is an attached monitor for one PID, writing to one JSONL log.
type Session struct {
	pid     int
	logPath string

	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup

	samples int
	peakCPU float64
	peakRSS uint64

	startedAt time.Time
	log       *slog.Logger
}

type logEvent struct {
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	PID        int       `json:"pid,omitempty"`
	Sample     *Sample   `json:"sample,omitempty"`
	Samples    int       `json:"samples,omitempty"`
	DurationNS int64     `json:"duration_ns,omitempty"`
	PeakCPU    float64   `json:"peak_cpu_percent,omitempty"`
	PeakRSS    uint64    `json:"peak_rss_bytes,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
}

// Attach opens (creating if needed) the monitor log directory, writes a
// start event, and begins sampling pid at the given interval. Call
// Session.Detach to write the stop event and close the log.
func Attach(dir string, pid int, interval time.Duration) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, serrors.Wrap(err, serrors.ErrObservation, "create monitor dir")
	}

	name := fmt.Sprintf("monitor_run_%s_%d.jsonl", time.Now().UTC().Format("20060102T150405Z"), pid)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrObservation, "open monitor log")
	}

	// Hold an exclusive advisory lock for the life of the session so a
	// concurrent Rotate pass on the same directory skips this file
	// instead of archiving a log still being appended to.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, serrors.Wrap(err, serrors.ErrObservation, "lock monitor log")
	}

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)

	s := &Session{
		pid:       pid,
		logPath:   path,
		file:      f,
		enc:       enc,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		log:       logging.WithRun(logging.WithPID(logging.Default(), pid), name),
	}

	if err := s.write(logEvent{Event: "start", Timestamp: s.startedAt, PID: pid}); err != nil {
		f.Close()
		return nil, err
	}

	if interval <= 0 {
		interval = time.Second
	}
	s.ticker = time.NewTicker(interval)
	s.wg.Add(1)
	go s.loop()

	return s, nil
}

// LogPath returns the path of the JSONL log this session is writing.
func (s *Session) LogPath() string {
	return s.logPath
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			sample := s.sampleOnce()
			if err := s.write(logEvent{Event: "sample", Timestamp: sample.Timestamp, Sample: &sample}); err != nil {
				s.log.Warn("monitor log write failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// sampleOnce reads one sample. Each field is fetched independently so a
// transient failure on one field produces an absent field, not a
// dropped sample — gopsutil is tried first, /proc is the fallback for RSS.
func (s *Session) sampleOnce() Sample {
	sample := Sample{Timestamp: time.Now()}

	p, err := process.NewProcess(int32(s.pid))
	if err != nil {
		// Process likely already gone; fall back to a bare /proc read for
		// whatever is still readable rather than skipping the sample.
		sample.RSSBytes = s.procRSS()
		s.mu.Lock()
		s.samples++
		s.mu.Unlock()
		return sample
	}

	if cpu, err := p.Percent(0); err == nil {
		sample.CPUPercent = &cpu
		s.mu.Lock()
		if cpu > s.peakCPU {
			s.peakCPU = cpu
		}
		s.mu.Unlock()
	}

	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		sample.RSSBytes = &mem.RSS
		s.mu.Lock()
		if mem.RSS > s.peakRSS {
			s.peakRSS = mem.RSS
		}
		s.mu.Unlock()
	} else {
		sample.RSSBytes = s.procRSS()
	}

	if n, err := p.NumThreads(); err == nil {
		sample.NumThreads = &n
	}

	if files, err := p.OpenFiles(); err == nil {
		n := len(files)
		sample.OpenFiles = &n
	}

	s.mu.Lock()
	s.samples++
	s.mu.Unlock()

	return sample
}

// procRSS is the /proc fallback for memory when gopsutil's read fails.
func (s *Session) procRSS() *uint64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", s.pid))
	if err != nil {
		return nil
	}
	var pages uint64
	if _, err := fmt.Sscanf(string(data), "%d", &pages); err != nil {
		return nil
	}
	bytes := pages * uint64(os.Getpagesize())
	return &bytes
}

func (s *Session) write(ev logEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "write monitor event")
	}
	return nil
}

// Summary is the rolling aggregate this session has collected, read by
// the optional metrics endpoint.
type Summary struct {
	Samples int
	PeakCPU float64
	PeakRSS uint64
}

// Summary returns the session's current rolling aggregate.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{Samples: s.samples, PeakCPU: s.peakCPU, PeakRSS: s.peakRSS}
}

// Detach stops sampling and writes a stop event carrying the run's summary
// (sample count, duration, peak CPU, peak RSS) and the child's final exit
// code, then closes the log. exitCode is nil when the child was signalled
// rather than exited, mirroring Result.ExitCode's nullability.
func (s *Session) Detach(exitCode *int) error {
	close(s.done)
	s.ticker.Stop()
	s.wg.Wait()

	s.mu.Lock()
	stop := logEvent{
		Event:      "stop",
		Timestamp:  time.Now(),
		PID:        s.pid,
		Samples:    s.samples,
		DurationNS: time.Since(s.startedAt).Nanoseconds(),
		PeakCPU:    s.peakCPU,
		PeakRSS:    s.peakRSS,
		ExitCode:   exitCode,
	}
	s.mu.Unlock()

	err := s.write(stop)
	closeErr := s.file.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return serrors.Wrap(closeErr, serrors.ErrObservation, "close monitor log")
	}
	return nil
}

// DetachContext detaches, but gives up waiting on the sample loop once
// ctx is done (used when the supervisor itself is being torn down).
func (s *Session) DetachContext(ctx context.Context, exitCode *int) error {
	doneCh := make(chan error, 1)
	go func() { doneCh <- s.Detach(exitCode) }()
	select {
	case err := <-doneCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
