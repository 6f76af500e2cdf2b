package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"parabuild/internal/model"
)

func TestSaveAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	snap := model.Snapshot{
		Results: []model.ResultRecord{{SourceIndex: 0, ExitCode: 0}},
		CompileErrors: []model.CompileErrorRecord{{SourceIndex: 1, Stage: "compile"}},
		Unprocessed: []model.UnprocessedRecord{{SourceIndex: 2}},
	}

	path, err := store.Save(snap, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Results) != 1 || loaded.Results[0].SourceIndex != 0 {
		t.Errorf("results mismatch: %+v", loaded.Results)
	}
	if len(loaded.CompileErrors) != 1 || loaded.CompileErrors[0].SourceIndex != 1 {
		t.Errorf("compile errors mismatch: %+v", loaded.CompileErrors)
	}
	if len(loaded.Unprocessed) != 1 || loaded.Unprocessed[0].SourceIndex != 2 {
		t.Errorf("unprocessed mismatch: %+v", loaded.Unprocessed)
	}
}

func TestLatestReturnsLexicographicallyLastDir(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if _, err := store.Save(model.Snapshot{}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second, err := store.Save(model.Snapshot{}, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	latest, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != second {
		t.Errorf("got %q, want %q", latest, second)
	}
}

func TestLatestErrorsWhenNoSnapshots(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "autosave"))
	if _, err := store.Latest(); err == nil {
		t.Fatal("want error when no snapshots exist")
	}
}

func TestResolveByExplicitName(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	path, err := store.Save(model.Snapshot{}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	resolved, err := store.Resolve(filepath.Base(path))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != path {
		t.Errorf("got %q, want %q", resolved, path)
	}
}

func TestListSnapshotDirsIgnoresStrayTempDirectories(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	path, err := store.Save(model.Snapshot{}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash between MkdirTemp and the final os.Rename: a
	// leftover ".tmp-" directory sitting next to a real, fully-committed
	// snapshot directory.
	if err := os.Mkdir(filepath.Join(dir, "20260102T000000Z-partial.tmp-leftover"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	names, err := store.ListSnapshotDirs()
	if err != nil {
		t.Fatalf("ListSnapshotDirs: %v", err)
	}
	for _, n := range names {
		if n != filepath.Base(path) {
			t.Errorf("want only the committed snapshot dir listed, also got %q", n)
		}
	}
	if len(names) != 1 {
		t.Fatalf("want 1 snapshot dir, got %v", names)
	}

	latest, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != path {
		t.Errorf("Latest() = %q, want %q (must not resolve the stray temp dir)", latest, path)
	}
}

func TestReadJSONStrictRejectsTrailingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := writeFileAtomicDurable(path, []byte(`[]garbage`), 0o644); err != nil {
		t.Fatal(err)
	}
	var v []model.ResultRecord
	if err := readJSONStrict(path, &v); err == nil {
		t.Fatal("want error for trailing content after the JSON value")
	}
}
