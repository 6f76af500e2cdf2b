package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"parabuild/internal/model"
	"parabuild/internal/obslog"
	"parabuild/internal/orchestrator"
	"parabuild/internal/snapshot"
	"parabuild/internal/trace"
	"parabuild/internal/workspace"
)

// CLIResult is what one invocation produced, translated to a process exit
// code.
type CLIResult struct {
	ExitCode int
	Snapshot model.Snapshot
}

// Execute runs a fully validated invocation end to end: provisioning
// workspaces, loading or resuming data, running the sweep, and writing the
// final output files.
func Execute(ctx context.Context, inv CLIInvocation) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError

	logger := obslog.New(obslog.Options{Writer: os.Stderr, Silent: inv.Silent})

	records, err := loadRecords(inv)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}

	store := snapshot.NewStore(inv.AutosaveDir)
	if inv.Continue {
		dir, err := store.Resolve(inv.ContinueName)
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("resolving --continue snapshot: %w", err)
		}
		prior, err := snapshot.Load(dir)
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("loading snapshot %q: %w", dir, err)
		}
		records = unprocessedToRecords(prior.Unprocessed)
		res.Snapshot = prior
		logger.Info("resuming from snapshot", "dir", dir, "unprocessed", len(records))
	}

	initScript, compileScript, runScript, err := resolveScripts(inv)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}

	numRun := absInt(inv.RunWorkers)
	if inv.RunInPlace || inv.RunWorkers == 0 {
		numRun = 0
	}

	pool, err := workspace.Provision(workspace.Options{
		ProjectDir:   inv.ProjectDir,
		WorkspaceDir: inv.WorkspacesPath,
		NumBuild:     inv.BuildWorkers,
		NumRun:       numRun,
		InPlace:      inv.RunInPlace,
		NoCache:      inv.NoCache,
		NoInit:       inv.NoInit,
		InitScript:   initScript,
		WithoutRsync: inv.WithoutRsync,
		IgnoreFile:   defaultIgnoreFile(inv.ProjectDir),
	})
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("provisioning workspaces: %w", err)
	}

	sink := trace.Sink(trace.NopSink{})
	var traceFile *os.File
	if inv.TraceFile != "" {
		traceFile, err = os.OpenFile(inv.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("opening trace file: %w", err)
		}
		defer traceFile.Close()
		sink = trace.NewJSONLSink(traceFile)
	}

	targetRel, err := templateTargetRelPath(inv)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	cfg := orchestrator.Config{
		Pool:                  pool,
		TemplatePath:          inv.TemplateFile,
		TemplateTargetRelPath: targetRel,
		CompileScript:         compileScript,
		RunScript:             runScript,
		TargetFiles:           inv.TargetFiles,
		TargetsDir:            filepath.Join(inv.WorkspacesPath, "targets"),
		Makefile:              inv.Makefile,
		DryRun:                inv.DryRun,
		AutosaveInterval:      inv.AutosaveInterval,
		AutosaveDir:           inv.AutosaveDir,
		RunWorkers:            inv.RunWorkers,
		PanicOnCompileError:   inv.PanicOnCompileError,
		Sink:                  sink,
		Logger:                logger,
	}

	sweepRes, err := orchestrator.Execute(ctx, cfg, records)
	if err != nil {
		res.ExitCode = ExitInternalError
		res.Snapshot = mergeSnapshots(res.Snapshot, sweepRes.Snapshot)
		return res, err
	}

	final := mergeSnapshots(res.Snapshot, sweepRes.Snapshot)
	if inv.SortBySourceIndex {
		sortResults(final.Results)
	}

	if err := writeOutput(inv, final); err != nil {
		res.ExitCode = ExitInternalError
		res.Snapshot = final
		return res, fmt.Errorf("writing output: %w", err)
	}

	res.Snapshot = final
	res.ExitCode = ExitSuccess
	if inv.PanicOnCompileError && len(final.CompileErrors) > 0 {
		res.ExitCode = ExitCompileError
		return res, fmt.Errorf("compile error under --panic-on-compile-error")
	}
	return res, nil
}

func loadRecords(inv CLIInvocation) ([]model.DataRecord, error) {
	raw := []byte(inv.DataJSON)
	if inv.DataJSON == "" {
		b, err := os.ReadFile(inv.DataFile)
		if err != nil {
			return nil, configErrorf("reading --data-file %q: %v", inv.DataFile, err)
		}
		raw = b
	}
	records, err := model.DecodeDataRecords(raw)
	if err != nil {
		return nil, configErrorf("parsing data: %v", err)
	}
	return records, nil
}

func unprocessedToRecords(unprocessed []model.UnprocessedRecord) []model.DataRecord {
	out := make([]model.DataRecord, len(unprocessed))
	for i, u := range unprocessed {
		out[i] = model.DataRecord{SourceIndex: u.SourceIndex, Fields: u.Data}
	}
	return out
}

// mergeSnapshots appends b's records onto a, used to fold a resumed run's
// already-completed results back into the final output.
func mergeSnapshots(a, b model.Snapshot) model.Snapshot {
	out := a
	out.ID = b.ID
	out.Results = append(append([]model.ResultRecord{}, a.Results...), b.Results...)
	out.CompileErrors = append(append([]model.CompileErrorRecord{}, a.CompileErrors...), b.CompileErrors...)
	out.Unprocessed = b.Unprocessed
	return out
}

func sortResults(results []model.ResultRecord) {
	sort.Slice(results, func(i, j int) bool { return results[i].SourceIndex < results[j].SourceIndex })
}

// resolveScripts computes the effective init/compile/run scripts: an
// explicit inline string or file wins; otherwise the default derived from
// --makefile/--make-target/--init-cmake-args, matching spec.md's documented
// defaults for an unconfigured cmake or make project.
func resolveScripts(inv CLIInvocation) (initScript, compileScript, runScript string, err error) {
	defaultInit := strings.TrimSpace(fmt.Sprintf("cmake -S . -B build -DPARABUILD=ON %s", inv.InitCMakeArgs))
	defaultCompile := fmt.Sprintf("cmake --build build --target %s -- -B", inv.MakeTarget)
	if inv.Makefile {
		defaultInit = ""
		defaultCompile = fmt.Sprintf("make %s", inv.MakeTarget)
	}
	defaultRun := ""
	if len(inv.TargetFiles) > 0 {
		defaultRun = "./" + inv.TargetFiles[0]
	}

	initScript, err = resolveScript(inv.InitBashScript, inv.InitBashScriptFile, defaultInit)
	if err != nil {
		return "", "", "", err
	}
	compileScript, err = resolveScript(inv.CompileBashScript, inv.CompileBashScriptFile, defaultCompile)
	if err != nil {
		return "", "", "", err
	}
	runScript, err = resolveScript(inv.RunBashScript, inv.RunBashScriptFile, defaultRun)
	if err != nil {
		return "", "", "", err
	}
	return initScript, compileScript, runScript, nil
}

// templateTargetRelPath derives where a rendered template is written,
// relative to a build slot's root: in-place mode overwrites the template's
// own path inside the project tree; separated mode drops the template's
// outermost extension and writes alongside it.
func templateTargetRelPath(inv CLIInvocation) (string, error) {
	rel, err := filepath.Rel(inv.ProjectDir, inv.TemplateFile)
	if err != nil {
		return "", configErrorf("--template-file %q is not inside project_path %q: %v", inv.TemplateFile, inv.ProjectDir, err)
	}
	if !inv.SeparateTemplate {
		return rel, nil
	}
	ext := filepath.Ext(rel)
	return strings.TrimSuffix(rel, ext), nil
}

func defaultIgnoreFile(projectDir string) string {
	candidate := filepath.Join(projectDir, ".gitignore")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// writeOutput writes output.json (to --output-file or stdout) and its
// always-written sibling compile_error_datas.json.
func writeOutput(inv CLIInvocation, snap model.Snapshot) error {
	marshal := func(v any) ([]byte, error) {
		if inv.FormatOutput {
			return json.MarshalIndent(v, "", "  ")
		}
		return json.Marshal(v)
	}

	resultsJSON, err := marshal(snap.Results)
	if err != nil {
		return err
	}
	resultsJSON = append(resultsJSON, '\n')

	if inv.OutputFile == "" {
		if _, err := os.Stdout.Write(resultsJSON); err != nil {
			return err
		}
	} else {
		if err := os.WriteFile(inv.OutputFile, resultsJSON, 0o644); err != nil {
			return err
		}
	}

	errorsJSON, err := marshal(snap.CompileErrors)
	if err != nil {
		return err
	}
	errorsJSON = append(errorsJSON, '\n')

	errPath := "compile_error_datas.json"
	if inv.OutputFile != "" {
		errPath = filepath.Join(filepath.Dir(inv.OutputFile), "compile_error_datas.json")
	}
	return os.WriteFile(errPath, errorsJSON, 0o644)
}
