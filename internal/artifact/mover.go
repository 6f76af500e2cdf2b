// Package artifact moves declared target files from a build workspace into
// a run workspace (or harvests them into a result), waiting out any
// process that still has a target file open before touching it.
package artifact

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Mover relocates declared target files between two workspace directories.
type Mover struct {
	// ProbeBaseDelay is the first backoff sleep when a target file is
	// busy; it doubles on each retry up to ProbeMaxAttempts.
	ProbeBaseDelay  time.Duration
	ProbeMaxAttempts int
}

// NewMover returns a Mover with the defaults described in the design: a
// 100ms base delay doubling up to 5 attempts (~3.1s worst case).
func NewMover() *Mover {
	return &Mover{ProbeBaseDelay: 100 * time.Millisecond, ProbeMaxAttempts: 5}
}

// Move relocates each relative target path from srcDir to dstDir. It waits
// for each file to become quiescent (not held open by another process)
// before moving it, using os.Rename when both directories share a device
// and a copy+remove otherwise.
//
// isCancelled is polled between targets so a cancellation observed mid-move
// does not abandon a half-moved target file; it only stops dispatching the
// next one.
func (m *Mover) Move(srcDir, dstDir string, targets []string, isCancelled func() bool) error {
	sorted := make([]string, len(targets))
	copy(sorted, targets)
	sort.Strings(sorted)

	for _, rel := range sorted {
		if isCancelled != nil && isCancelled() {
			return fmt.Errorf("move cancelled before target %q", rel)
		}

		src := filepath.Join(srcDir, rel)
		dst := filepath.Join(dstDir, rel)

		if err := m.waitUntilQuiescent(src); err != nil {
			return fmt.Errorf("waiting for target %q to become quiescent: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating destination directory for %q: %w", rel, err)
		}
		if err := relocate(src, dst); err != nil {
			return fmt.Errorf("moving target %q: %w", rel, err)
		}
	}
	return nil
}

// Collect copies each relative target path from srcDir into dstDir, renaming
// each one to "<basename>_<sourceIndex>" so that compile-only runs (which
// have no run workspace to move targets into) can still gather every
// record's targets into one directory without name collisions.
func (m *Mover) Collect(srcDir, dstDir string, targets []string, sourceIndex int) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating targets directory: %w", err)
	}
	for _, rel := range targets {
		src := filepath.Join(srcDir, rel)
		if err := m.waitUntilQuiescent(src); err != nil {
			return fmt.Errorf("waiting for target %q to become quiescent: %w", rel, err)
		}
		dst := filepath.Join(dstDir, fmt.Sprintf("%s_%d", filepath.Base(rel), sourceIndex))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("collecting target %q: %w", rel, err)
		}
	}
	return nil
}

// warnNoLsof makes the missing-lsof warning print once per process.
var warnNoLsof sync.Once

// waitUntilQuiescent probes src with lsof and backs off exponentially while
// some other process still holds it open. lsof's absence from PATH is not
// an error: a warning is logged once, the probe is skipped and the move
// proceeds immediately, since plenty of systems this runs on simply don't
// have it installed.
func (m *Mover) waitUntilQuiescent(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("target does not exist: %s", path)
		}
		return err
	}

	if _, err := exec.LookPath("lsof"); err != nil {
		warnNoLsof.Do(func() {
			slog.Warn("lsof not found in PATH; skipping the open-file probe before moving target files")
		})
		return nil
	}

	delay := m.ProbeBaseDelay
	for attempt := 0; attempt < m.ProbeMaxAttempts; attempt++ {
		busy, err := isOpenByAnotherProcess(path)
		if err != nil {
			return nil // degrade gracefully; do not block a move on a flaky lsof invocation
		}
		if !busy {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("target still open after %d probes: %s", m.ProbeMaxAttempts, path)
}

func isOpenByAnotherProcess(path string) (bool, error) {
	cmd := exec.Command("lsof", "--", path)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// lsof exits 1 when no process has the file open.
			return false, nil
		}
		return false, err
	}
	return len(out) > 0, nil
}

// relocate moves src to dst, falling back to copy+remove across devices.
func relocate(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	committed = true
	return nil
}
