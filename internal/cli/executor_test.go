package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"parabuild/internal/model"
)

func setupProject(t *testing.T) (projectDir, templateFile string) {
	t.Helper()
	root := t.TempDir()
	projectDir = filepath.Join(root, "project")
	templateFile = filepath.Join(projectDir, "config.h.tmpl")
	writeFile(t, templateFile, "#define N {{.N}}\n")
	return projectDir, templateFile
}

func TestExecuteRunsSweepAndWritesOutput(t *testing.T) {
	projectDir, templateFile := setupProject(t)
	workspacesDir := filepath.Join(t.TempDir(), "workspaces")
	outputFile := filepath.Join(t.TempDir(), "out.json")

	inv, err := ParseInvocation([]string{
		"--template-file", templateFile,
		"--seperate-template",
		"--data", `[{"N":1},{"N":2}]`,
		"--workspaces-path", workspacesDir,
		"--without-rsync",
		"--no-init",
		"--compile-bash-script", "cp config.h artifact.txt",
		"--run-bash-script", "cat artifact.txt",
		"--output-file", outputFile,
		projectDir,
		"artifact.txt",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}

	res, err := Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("ExitCode = %d", res.ExitCode)
	}
	if len(res.Snapshot.Results) != 2 {
		t.Fatalf("want 2 results, got %d: %+v", len(res.Snapshot.Results), res.Snapshot)
	}

	data, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	var results []model.ResultRecord
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results in output file, got %d", len(results))
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(outputFile), "compile_error_datas.json")); err != nil {
		t.Errorf("want compile_error_datas.json written alongside output: %v", err)
	}
}

func TestExecuteCompileOnlyCollectsTargets(t *testing.T) {
	projectDir, templateFile := setupProject(t)
	workspacesDir := filepath.Join(t.TempDir(), "workspaces")
	outputFile := filepath.Join(t.TempDir(), "out.json")

	inv, err := ParseInvocation([]string{
		"--template-file", templateFile,
		"--seperate-template",
		"--data", `[{"N":1},{"N":2}]`,
		"--workspaces-path", workspacesDir,
		"--without-rsync",
		"--no-init",
		"--compile-bash-script", "cp config.h artifact.txt",
		"-J", "0",
		"--output-file", outputFile,
		projectDir,
		"artifact.txt",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}

	res, err := Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Snapshot.Results) != 0 {
		t.Fatalf("want no results in compile-only mode, got %d", len(res.Snapshot.Results))
	}
	for _, n := range []string{"0", "1"} {
		want := filepath.Join(workspacesDir, "targets", "artifact.txt_"+n)
		if _, err := os.Stat(want); err != nil {
			t.Errorf("want collected target %s: %v", want, err)
		}
	}
}

func TestExecutePropagatesCompileErrorsAsConfigured(t *testing.T) {
	projectDir, templateFile := setupProject(t)
	workspacesDir := filepath.Join(t.TempDir(), "workspaces")

	inv, err := ParseInvocation([]string{
		"--template-file", templateFile,
		"--seperate-template",
		"--data", `[{"N":1}]`,
		"--workspaces-path", workspacesDir,
		"--without-rsync",
		"--no-init",
		"--compile-bash-script", "echo boom 1>&2; exit 1",
		"--panic-on-compile-error",
		projectDir,
		"artifact.txt",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}

	res, err := Execute(context.Background(), inv)
	if err == nil {
		t.Fatal("want error under --panic-on-compile-error")
	}
	if res.ExitCode != ExitCompileError {
		t.Errorf("want ExitCompileError, got %d", res.ExitCode)
	}
	if len(res.Snapshot.CompileErrors) != 1 {
		t.Errorf("want 1 compile error recorded, got %d", len(res.Snapshot.CompileErrors))
	}
}

func TestExecuteRunInPlaceDefaultsToExecutingTargetFile(t *testing.T) {
	projectDir, templateFile := setupProject(t)
	workspacesDir := filepath.Join(t.TempDir(), "workspaces")

	inv, err := ParseInvocation([]string{
		"--template-file", templateFile,
		"--seperate-template",
		"--data", `[{"N":1},{"N":2}]`,
		"--workspaces-path", workspacesDir,
		"--without-rsync",
		"--no-init",
		"--compile-bash-script", "printf '#!/bin/sh\\necho ran' > artifact.txt; chmod +x artifact.txt",
		"--run-in-place",
		projectDir,
		"artifact.txt",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}

	res, err := Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("ExitCode = %d", res.ExitCode)
	}
	if len(res.Snapshot.Results) != 2 {
		t.Fatalf("want 2 results, got %d: %+v", len(res.Snapshot.Results), res.Snapshot)
	}
	for _, r := range res.Snapshot.Results {
		if r.Stdout != "ran\n" {
			t.Errorf("record %d: stdout = %q, want %q", r.SourceIndex, r.Stdout, "ran\n")
		}
	}
}

func TestExecuteDryRunNeverInvokesScripts(t *testing.T) {
	projectDir, templateFile := setupProject(t)
	workspacesDir := filepath.Join(t.TempDir(), "workspaces")
	marker := filepath.Join(t.TempDir(), "marker")

	inv, err := ParseInvocation([]string{
		"--template-file", templateFile,
		"--seperate-template",
		"--data", `[{"N":1}]`,
		"--workspaces-path", workspacesDir,
		"--without-rsync",
		"--no-init",
		"--compile-bash-script", "touch " + marker,
		"--dry-run",
		projectDir,
		"artifact.txt",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}

	res, err := Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("ExitCode = %d", res.ExitCode)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("want compile script never invoked under --dry-run")
	}
}
