package monitor

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	serrors "sandboxsv/errors"
)

// DefaultRetention is the number of most-recent monitor logs kept active
// (uncompressed, in dir) before older ones are archived.
const DefaultRetention = 10

// Rotate keeps the `retention` most recently modified monitor_run_*.jsonl
// files in dir active and uncompressed, and gzips everything older into
// dir/archive. A session's own log is never special-cased: it is the
// newest file in dir by construction, so it always falls within the
// retained set and is never archived out from under a run that just
// finished reporting its path. The archive itself is then trimmed to at
// most retention files, oldest first.
func Rotate(dir string, retention int) error {
	if retention <= 0 {
		retention = DefaultRetention
	}

	archiveDir := filepath.Join(dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "create archive dir")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "read monitor dir")
	}

	type active struct {
		name    string
		modTime int64
	}
	var logs []active
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || !strings.HasPrefix(e.Name(), "monitor_run_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, active{e.Name(), info.ModTime().UnixNano()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime < logs[j].modTime })

	if len(logs) > retention {
		for _, f := range logs[:len(logs)-retention] {
			if err := archiveOne(dir, archiveDir, f.name); err != nil {
				return err
			}
		}
	}

	return trimArchive(archiveDir, retention)
}

func archiveOne(dir, archiveDir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "open log for archival")
	}
	defer src.Close()

	// A non-blocking advisory lock tells us whether some other process
	// (a still-running Session.loop) still has this log open for
	// writing; if so, skip it this round rather than archiving out from
	// under a live writer.
	if err := syscall.Flock(int(src.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return nil
	}
	defer syscall.Flock(int(src.Fd()), syscall.LOCK_UN)

	dstPath := filepath.Join(archiveDir, name+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "create archive file")
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return serrors.Wrap(err, serrors.ErrObservation, "gzip log")
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return serrors.Wrap(err, serrors.ErrObservation, "finalize gzip")
	}
	if err := dst.Close(); err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "close archive file")
	}

	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "remove rotated log")
	}
	return nil
}

func trimArchive(archiveDir string, retention int) error {
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return serrors.Wrap(err, serrors.ErrObservation, "read archive dir")
	}

	type fileInfo struct {
		name    string
		modTime int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{e.Name(), info.ModTime().UnixNano()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	if len(files) <= retention {
		return nil
	}

	for _, f := range files[:len(files)-retention] {
		if err := os.Remove(filepath.Join(archiveDir, f.name)); err != nil {
			return serrors.Wrap(err, serrors.ErrObservation, "prune archive")
		}
	}
	return nil
}
