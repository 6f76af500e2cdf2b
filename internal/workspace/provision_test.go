package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProjectFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.cpp.tmpl"), []byte("int main(){}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "build"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "build", "stale.o"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestProvisionCreatesBuildAndRunWorkspaces(t *testing.T) {
	project := writeProjectFixture(t)
	wsRoot := filepath.Join(t.TempDir(), "workspaces")

	pool, err := Provision(Options{
		ProjectDir:   project,
		WorkspaceDir: wsRoot,
		NumBuild:     2,
		NumRun:       2,
		WithoutRsync: true,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(pool.Build) != 2 {
		t.Fatalf("want 2 build slots, got %d", len(pool.Build))
	}
	if len(pool.Run) != 2 {
		t.Fatalf("want 2 run slots, got %d", len(pool.Run))
	}
	for _, dir := range pool.Build {
		if _, err := os.Stat(filepath.Join(dir, "main.cpp.tmpl")); err != nil {
			t.Errorf("build slot %q missing project contents: %v", dir, err)
		}
	}
}

func TestProvisionInPlaceAliasesRunToBuild(t *testing.T) {
	project := writeProjectFixture(t)
	wsRoot := filepath.Join(t.TempDir(), "workspaces")

	pool, err := Provision(Options{
		ProjectDir:   project,
		WorkspaceDir: wsRoot,
		NumBuild:     2,
		InPlace:      true,
		WithoutRsync: true,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(pool.Run) != len(pool.Build) {
		t.Fatalf("want Run to alias Build, got %d vs %d slots", len(pool.Run), len(pool.Build))
	}
	for i := range pool.Build {
		if pool.Run[i] != pool.Build[i] {
			t.Errorf("slot %d: Run dir %q != Build dir %q", i, pool.Run[i], pool.Build[i])
		}
	}
}

func TestIgnoreRulesExcludeDirectoryPattern(t *testing.T) {
	dir := t.TempDir()
	ignorePath := filepath.Join(dir, ".parabuildignore")
	if err := os.WriteFile(ignorePath, []byte("build/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadIgnoreFile(ignorePath)
	if err != nil {
		t.Fatalf("LoadIgnoreFile: %v", err)
	}
	if !rules.Excluded("build", true) {
		t.Error("want build/ directory excluded")
	}
	if rules.Excluded("main.cpp.tmpl", false) {
		t.Error("main.cpp.tmpl should not be excluded")
	}
}

func TestProvisionHonorsIgnoreFile(t *testing.T) {
	project := writeProjectFixture(t)
	ignorePath := filepath.Join(t.TempDir(), ".parabuildignore")
	if err := os.WriteFile(ignorePath, []byte("build/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wsRoot := filepath.Join(t.TempDir(), "workspaces")

	pool, err := Provision(Options{
		ProjectDir:   project,
		WorkspaceDir: wsRoot,
		NumBuild:     1,
		InPlace:      true,
		WithoutRsync: true,
		IgnoreFile:   ignorePath,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pool.Reference, "build")); !os.IsNotExist(err) {
		t.Errorf("want build/ excluded from reference workspace, stat err = %v", err)
	}
}

func TestAssignDeviceCyclesByModulo(t *testing.T) {
	devices := []string{"0", "1", "2"}
	for i, want := range []string{"0", "1", "2", "0", "1"} {
		if got := AssignDevice(devices, i); got != want {
			t.Errorf("slot %d: got %q, want %q", i, got, want)
		}
	}
}

func TestAssignDeviceEmptyWhenNoDevices(t *testing.T) {
	if got := AssignDevice(nil, 0); got != "" {
		t.Errorf("want empty string with no devices, got %q", got)
	}
}
