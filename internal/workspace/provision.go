// Package workspace provisions the filesystem slots a sweep builds and runs
// in: one reference copy of the project, then W build workspaces and
// (when not running in-place) R run workspaces mirrored from it.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"parabuild/internal/script"
)

// Pool owns the provisioned slot directories for one run.
type Pool struct {
	Root      string
	Reference string
	Build     []string
	Run       []string
	// InPlace is true when Run aliases Build (run-in-place mode); callers
	// must not write to both "independently" in that case.
	InPlace bool
}

// Options configures provisioning.
type Options struct {
	ProjectDir   string
	WorkspaceDir string
	NumBuild     int
	NumRun       int
	InPlace      bool
	NoCache      bool
	NoInit       bool
	InitScript   string
	WithoutRsync bool
	IgnoreFile   string
}

// Provision builds the full slot pool described by opts.
func Provision(opts Options) (*Pool, error) {
	if opts.NoCache {
		if err := os.RemoveAll(opts.WorkspaceDir); err != nil {
			return nil, fmt.Errorf("clearing workspace root: %w", err)
		}
	}
	if err := os.MkdirAll(opts.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	ignore, err := loadIgnore(opts)
	if err != nil {
		return nil, err
	}

	refDir := filepath.Join(opts.WorkspaceDir, "reference")
	if err := copyTree(opts.ProjectDir, refDir, ignore); err != nil {
		return nil, fmt.Errorf("copying project into reference workspace: %w", err)
	}

	if !opts.NoInit && opts.InitScript != "" {
		res, err := script.Run(context.Background(), refDir, opts.InitScript, script.Env{})
		if err != nil {
			return nil, fmt.Errorf("running init script: %w", err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("init script failed with exit code %d: %s", res.ExitCode, res.Stderr)
		}
	}

	build := make([]string, opts.NumBuild)
	for i := range build {
		dir := filepath.Join(opts.WorkspaceDir, fmt.Sprintf("workspace_%d", i))
		if err := mirror(refDir, dir, opts.WithoutRsync); err != nil {
			return nil, fmt.Errorf("mirroring build workspace %d: %w", i, err)
		}
		build[i] = dir
	}

	pool := &Pool{
		Root:      opts.WorkspaceDir,
		Reference: refDir,
		Build:     build,
		InPlace:   opts.InPlace,
	}

	if opts.InPlace {
		pool.Run = build
		return pool, nil
	}

	run := make([]string, opts.NumRun)
	for i := range run {
		dir := filepath.Join(opts.WorkspaceDir, fmt.Sprintf("run_%d", i))
		if err := mirror(refDir, dir, opts.WithoutRsync); err != nil {
			return nil, fmt.Errorf("mirroring run workspace %d: %w", i, err)
		}
		run[i] = dir
	}
	pool.Run = run
	return pool, nil
}

func loadIgnore(opts Options) (*IgnoreRules, error) {
	if opts.IgnoreFile == "" {
		return &IgnoreRules{}, nil
	}
	return LoadIgnoreFile(opts.IgnoreFile)
}

// mirror replicates src into dst, preferring the rsync binary (matching
// the project's own build tooling) and falling back to a plain recursive
// copy when rsync is unavailable or explicitly disabled.
func mirror(src, dst string, withoutRsync bool) error {
	if !withoutRsync {
		if _, err := exec.LookPath("rsync"); err == nil {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			cmd := exec.Command("rsync", "-a", "--delete", src+"/", dst+"/")
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("rsync: %w: %s", err, out)
			}
			return nil
		}
	}
	return copyTree(src, dst, nil)
}

// copyTree recursively copies src to dst, honoring ignore rules when
// ignore is non-nil.
func copyTree(src, dst string, ignore *IgnoreRules) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if ignore != nil && ignore.Excluded(filepath.ToSlash(rel), info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
