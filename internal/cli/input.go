package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ExitSuccess           = 0
	ExitCompileError      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// CLIInvocation is the fully parsed, validated description of one sweep
// invocation. Paths are resolved relative to the process's working
// directory, the same way the underlying build tools (cmake, make) resolve
// theirs.
type CLIInvocation struct {
	ProjectDir  string
	TargetFiles []string

	TemplateFile     string
	SeparateTemplate bool

	DataJSON string
	DataFile string

	OutputFile   string
	FormatOutput bool

	WorkspacesPath string
	NoCache        bool
	WithoutRsync   bool

	InitBashScript        string
	InitBashScriptFile    string
	CompileBashScript     string
	CompileBashScriptFile string
	RunBashScript         string
	RunBashScriptFile     string
	InitCMakeArgs         string
	MakeTarget            string
	Makefile              bool
	NoInit                bool

	BuildWorkers int
	RunWorkers   int
	RunInPlace   bool

	PanicOnCompileError bool
	Silent              bool

	Continue         bool
	ContinueName     string
	AutosaveInterval time.Duration
	AutosaveDir      string

	SortBySourceIndex bool
	DryRun            bool
	TraceFile         string
}

// InvocationError is a fatal, user-facing configuration problem discovered
// before any workspace is provisioned.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags and positional arguments into a
// validated CLIInvocation. It never reads stdin and never consults the
// environment for defaults; flags and their documented defaults are the
// only source of configuration.
func ParseInvocation(args []string) (CLIInvocation, error) {
	fs := flag.NewFlagSet("parabuild", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var inv CLIInvocation

	fs.StringVar(&inv.TemplateFile, "template-file", "", "Template file to render per data record.")
	fs.BoolVar(&inv.SeparateTemplate, "seperate-template", false, "Rendered output path differs from the template file path.")

	fs.StringVar(&inv.DataJSON, "data", "", "Inline JSON array of data records. Wins over --data-file when both given.")
	fs.StringVar(&inv.DataFile, "data-file", "", "Path to a JSON file containing an array of data records.")

	fs.StringVar(&inv.OutputFile, "output-file", "", "Output file path. Defaults to stdout.")
	fs.BoolVar(&inv.FormatOutput, "format-output", false, "Pretty-print JSON output (stdout and files).")

	fs.StringVar(&inv.WorkspacesPath, "workspaces-path", ".parabuild/workspaces", "Root directory for build/run workspaces.")
	fs.BoolVar(&inv.NoCache, "no-cache", false, "Remove the workspaces root before provisioning.")
	fs.BoolVar(&inv.WithoutRsync, "without-rsync", false, "Disable rsync mirroring; always do a plain recursive copy.")

	fs.StringVar(&inv.InitBashScript, "init-bash-script", "", "Init script source (wins over --init-bash-script-file).")
	fs.StringVar(&inv.InitBashScriptFile, "init-bash-script-file", "", "Path to an init script.")
	fs.StringVar(&inv.CompileBashScript, "compile-bash-script", "", "Compile script source (wins over --compile-bash-script-file).")
	fs.StringVar(&inv.CompileBashScriptFile, "compile-bash-script-file", "", "Path to a compile script.")
	fs.StringVar(&inv.RunBashScript, "run-bash-script", "", "Run script source (wins over --run-bash-script-file).")
	fs.StringVar(&inv.RunBashScriptFile, "run-bash-script-file", "", "Path to a run script.")
	fs.StringVar(&inv.InitCMakeArgs, "init-cmake-args", "", "Extra arguments appended to the default cmake configure command.")
	fs.StringVar(&inv.MakeTarget, "make-target", "all", "Build target name, used by the default compile command.")
	fs.BoolVar(&inv.Makefile, "makefile", false, "Use make-based defaults and expose per-record CPPFLAGS.")
	fs.BoolVar(&inv.NoInit, "no-init", false, "Skip running the init script entirely.")

	fs.IntVar(&inv.BuildWorkers, "j", 1, "Build worker count.")
	fs.IntVar(&inv.RunWorkers, "J", 1, "Run worker count. Positive=pipelined, negative=sequential (by absolute value), zero=compile-only.")
	fs.BoolVar(&inv.RunInPlace, "run-in-place", false, "Run immediately in the build workspace; -J is ignored.")

	fs.BoolVar(&inv.PanicOnCompileError, "panic-on-compile-error", false, "Stop dispatching new builds after the first compile error.")
	fs.BoolVar(&inv.Silent, "silent", false, "Suppress non-error log output.")

	fs.BoolVar(&inv.Continue, "continue", false, "Resume from a prior autosave snapshot (latest, unless --continue-name is given).")
	fs.StringVar(&inv.ContinueName, "continue-name", "", "Explicit snapshot directory name to resume from; implies --continue.")
	var autosaveRaw string
	fs.StringVar(&autosaveRaw, "autosave", "30m", "Autosave interval, e.g. \"30m\", \"1s\", \"1d\".")
	fs.StringVar(&inv.AutosaveDir, "autosave-dir", ".parabuild/autosave", "Directory snapshots are written under.")

	fs.BoolVar(&inv.SortBySourceIndex, "sort-by-source-index", false, "Sort the final result list by source_index instead of completion order.")
	fs.BoolVar(&inv.DryRun, "dry-run", false, "Provision workspaces and render templates, but never run compile/run scripts.")
	fs.StringVar(&inv.TraceFile, "trace-file", "", "Append a JSON-lines execution trace to this path.")

	if err := fs.Parse(args); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}

	positional := fs.Args()
	if len(positional) == 0 {
		return CLIInvocation{}, invalidInvocationf("project_path is required")
	}
	inv.ProjectDir = filepath.Clean(positional[0])
	inv.TargetFiles = append([]string{}, positional[1:]...)

	if strings.TrimSpace(inv.ContinueName) != "" {
		inv.Continue = true
	}

	interval, err := parseDuration(autosaveRaw)
	if err != nil {
		return CLIInvocation{}, invalidInvocationf("--autosave: %v", err)
	}
	inv.AutosaveInterval = interval

	if err := validate(&inv); err != nil {
		return CLIInvocation{}, err
	}
	return inv, nil
}

// validate applies the configuration-error checks that must happen before
// any workspace is touched: missing/conflicting arguments, and Open
// Question (b)'s resolution that duplicate target-file paths are a fatal
// config error (two entries sharing a basename would collide under the
// same "<basename>_<source_index>" collection name). target_files is never
// moved in run-in-place mode — it is read-only input naming what to
// execute, the same as in every other mode — so run-in-place does not by
// itself make target_files an error.
func validate(inv *CLIInvocation) error {
	if _, err := os.Stat(inv.ProjectDir); err != nil {
		return configErrorf("project_path %q: %v", inv.ProjectDir, err)
	}
	if inv.TemplateFile == "" {
		return configErrorf("--template-file is required")
	}
	if _, err := os.Stat(inv.TemplateFile); err != nil {
		return configErrorf("--template-file %q: %v", inv.TemplateFile, err)
	}
	if inv.DataJSON == "" && inv.DataFile == "" {
		return configErrorf("one of --data or --data-file is required")
	}
	if inv.BuildWorkers < 1 {
		return configErrorf("-j must be positive, got %d", inv.BuildWorkers)
	}

	seen := make(map[string]bool, len(inv.TargetFiles))
	for _, t := range inv.TargetFiles {
		if seen[t] {
			return configErrorf("target_files %v: %q overlaps with itself (duplicate target file paths collide once collected)", inv.TargetFiles, t)
		}
		seen[t] = true
	}

	needsRun := inv.RunInPlace || inv.RunWorkers != 0
	hasRunScript := inv.RunBashScript != "" || inv.RunBashScriptFile != "" || len(inv.TargetFiles) > 0
	if needsRun && !hasRunScript {
		return configErrorf("this mode runs a run stage (run-in-place or -J != 0) but no run script or target_files was given to run")
	}

	return nil
}

// resolveScript returns the script body, preferring an inline string over a
// file, falling back to fallback when neither is set.
func resolveScript(inline, path, fallback string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", configErrorf("reading script file %q: %v", path, err)
		}
		return string(b), nil
	}
	return fallback, nil
}

// ExitCode extracts the semantic exit code carried by an error returned
// from ParseInvocation or Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
