package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMoveRelocatesTargetFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "a.out"), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewMover()
	m.ProbeBaseDelay = time.Millisecond
	if err := m.Move(src, dst, []string{"a.out"}, nil); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, err := os.Stat(filepath.Join(src, "a.out")); !os.IsNotExist(err) {
		t.Errorf("want source removed, stat err = %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dst, "a.out"))
	if err != nil {
		t.Fatalf("reading moved file: %v", err)
	}
	if string(content) != "binary" {
		t.Errorf("got %q", content)
	}
}

func TestMoveCreatesNestedDestinationDirs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "tool"), []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewMover()
	m.ProbeBaseDelay = time.Millisecond
	if err := m.Move(src, dst, []string{"bin/tool"}, nil); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "bin", "tool")); err != nil {
		t.Errorf("want nested target present: %v", err)
	}
}

func TestMoveFailsOnMissingTarget(t *testing.T) {
	m := NewMover()
	m.ProbeBaseDelay = time.Millisecond
	if err := m.Move(t.TempDir(), t.TempDir(), []string{"missing.out"}, nil); err == nil {
		t.Fatal("want error for a target file that was never produced")
	}
}

func TestMoveHonorsCancellationBetweenTargets(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.out"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "b.out"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMover()
	m.ProbeBaseDelay = time.Millisecond
	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 1
	}
	err := m.Move(src, dst, []string{"a.out", "b.out"}, cancelled)
	if err == nil {
		t.Fatal("want error once cancellation is observed")
	}
}
