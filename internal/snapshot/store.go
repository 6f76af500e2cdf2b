// Package snapshot persists and resumes sweep progress. A snapshot is a
// complete partition of every data record into exactly one of results,
// compile errors, or unprocessed (except a compile-only sweep's successfully
// built records, which appear in none) — written atomically so a crash
// mid-write never leaves a --continue run reading a half-updated snapshot.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"

	"parabuild/internal/model"
)

// Store writes and reads snapshot directories under a single autosave root.
type Store struct {
	AutosaveDir string
}

// NewStore returns a Store rooted at dir. dir is created on first Save.
func NewStore(dir string) *Store {
	return &Store{AutosaveDir: dir}
}

// Save writes snap to a new timestamped directory under AutosaveDir and
// returns its path. The three record files are built in a temp sibling
// directory (each one individually temp-file-then-rename, fsyncing the file
// and its containing directory), then the whole directory is renamed into
// place as the last step — so a resuming run, via ListSnapshotDirs/Latest,
// never observes a partially populated snapshot directory, even if Save is
// interrupted mid-write.
func (s *Store) Save(snap model.Snapshot, now time.Time) (string, error) {
	if snap.ID == "" {
		id := uuid.NewV4()
		snap.ID = id.String()
	}
	dirName := now.UTC().Format("20060102T150405.000000000Z") + "-" + snap.ID
	dir := filepath.Join(s.AutosaveDir, dirName)

	if err := os.MkdirAll(s.AutosaveDir, 0o755); err != nil {
		return "", fmt.Errorf("creating autosave root: %w", err)
	}

	tmpDir, err := os.MkdirTemp(s.AutosaveDir, dirName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp snapshot directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	if err := writeJSONAtomic(filepath.Join(tmpDir, "output.json"), snap.Results); err != nil {
		return "", fmt.Errorf("writing output.json: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(tmpDir, "compile_error_datas.json"), snap.CompileErrors); err != nil {
		return "", fmt.Errorf("writing compile_error_datas.json: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(tmpDir, "unprocessed_data.json"), snap.Unprocessed); err != nil {
		return "", fmt.Errorf("writing unprocessed_data.json: %w", err)
	}

	if err := os.Rename(tmpDir, dir); err != nil {
		return "", fmt.Errorf("renaming snapshot directory into place: %w", err)
	}
	committed = true
	if err := fsyncDir(s.AutosaveDir); err != nil {
		return "", fmt.Errorf("fsyncing autosave root: %w", err)
	}

	return dir, nil
}

// ListSnapshotDirs returns snapshot directory names under AutosaveDir,
// sorted lexicographically — which, because of the timestamp prefix, is
// also chronological.
func (s *Store) ListSnapshotDirs() ([]string, error) {
	entries, err := os.ReadDir(s.AutosaveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.Contains(e.Name(), ".tmp-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the path of the most recent snapshot directory, or an
// error if none exist.
func (s *Store) Latest() (string, error) {
	names, err := s.ListSnapshotDirs()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", errors.New("no snapshots found under autosave directory")
	}
	return filepath.Join(s.AutosaveDir, names[len(names)-1]), nil
}

// Resolve returns the snapshot directory to resume from: the named one if
// name is non-empty, else the latest.
func (s *Store) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return s.Latest()
	}
	dir := filepath.Join(s.AutosaveDir, name)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("snapshot %q not found: %w", name, err)
	}
	return dir, nil
}

// Load reads a complete snapshot back from dir.
func Load(dir string) (model.Snapshot, error) {
	var snap model.Snapshot
	snap.ID = filepath.Base(dir)

	if err := readJSONStrict(filepath.Join(dir, "output.json"), &snap.Results); err != nil {
		return model.Snapshot{}, fmt.Errorf("reading output.json: %w", err)
	}
	if err := readJSONStrict(filepath.Join(dir, "compile_error_datas.json"), &snap.CompileErrors); err != nil {
		return model.Snapshot{}, fmt.Errorf("reading compile_error_datas.json: %w", err)
	}
	if err := readJSONStrict(filepath.Join(dir, "unprocessed_data.json"), &snap.Unprocessed); err != nil {
		return model.Snapshot{}, fmt.Errorf("reading unprocessed_data.json: %w", err)
	}
	return snap, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeFileAtomicDurable(path, data, 0o644)
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
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

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
