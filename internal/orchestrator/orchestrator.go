// Package orchestrator wires together workspace provisioning, template
// rendering, script execution, artifact movement, and the pipeline's
// worker pools into one runnable sweep, and owns the concerns that span
// all of them: cancellation, autosave, and final result aggregation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"parabuild/internal/artifact"
	"parabuild/internal/jobstate"
	"parabuild/internal/model"
	"parabuild/internal/pipeline"
	"parabuild/internal/render"
	"parabuild/internal/script"
	"parabuild/internal/snapshot"
	"parabuild/internal/trace"
	"parabuild/internal/workspace"
)

// Config is everything a run needs that isn't the data itself.
type Config struct {
	Pool *workspace.Pool

	TemplatePath          string
	TemplateTargetRelPath string

	CompileScript string
	RunScript     string

	// DryRun renders each record's template but never invokes the compile
	// or run script; every job reports a clean, empty-output success.
	DryRun bool

	TargetFiles []string // relative paths moved from build slot to run slot

	// TargetsDir collects target files in compile-only mode (no run stage
	// exists to move them into). Defaults to "<workspace root>/targets".
	TargetsDir string

	// Makefile, when set, derives CPPFLAGS for each build job from that
	// job's own data fields ("-DKEY=VALUE" per key) instead of leaving it
	// unset, matching how a Makefile build picks up per-record overrides.
	Makefile bool

	AutosaveInterval time.Duration
	AutosaveDir      string

	// RunWorkers is the raw -J value: its sign and magnitude, together with
	// Pool.InPlace, select the execution mode (see pipeline.Select).
	RunWorkers int

	PanicOnCompileError bool

	Sink   trace.Sink
	Logger *slog.Logger
}

// Result is what one sweep run produced, plus the run id trace events
// were tagged with.
type Result struct {
	Snapshot model.Snapshot
	RunID    string
	Mode     pipeline.Mode
}

// Execute runs a full sweep over records. It returns whatever was produced
// even when it also returns an error, so a caller can still write partial
// output files after a fatal failure.
func Execute(ctx context.Context, cfg Config, records []model.DataRecord) (Result, error) {
	if cfg.Sink == nil {
		cfg.Sink = trace.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	runID, err := trace.NewRunID()
	if err != nil {
		return Result{}, fmt.Errorf("generating run id: %w", err)
	}

	renderer, err := render.New(cfg.TemplatePath)
	if err != nil {
		return Result{}, fmt.Errorf("loading template: %w", err)
	}

	mode := pipeline.Select(cfg.RunWorkers, cfg.Pool.InPlace)
	cfg.Logger.Info("starting sweep", "run_id", runID, "mode", mode, "records", len(records))

	buildDevices := workspace.MIGDevices()
	mover := artifact.NewMover()

	var cancelFlag, abortFlag atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var sigOnce sync.Once
	go func() {
		for range sigCh {
			first := false
			sigOnce.Do(func() { first = true })
			if first {
				cfg.Logger.Warn("interrupt received, finishing in-flight jobs and stopping")
				cancelFlag.Store(true)
			} else {
				cfg.Logger.Warn("second interrupt received, returning with best-effort partial results")
				abortFlag.Store(true)
			}
		}
	}()

	indexes := make([]int, len(records))
	for i, rec := range records {
		indexes[i] = rec.SourceIndex
	}
	prog := newProgress(indexes)

	build := makeBuildFunc(cfg, mode, renderer, prog, buildDevices, cfg.Pool, mover, &cancelFlag, runID)
	run := makeRunFunc(cfg, prog, cfg.Pool, mover, &cancelFlag, runID)

	outCh := make(chan *pipeline.Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := pipeline.Run(ctx, mode, len(cfg.Pool.Build), len(cfg.Pool.Run), records, build, run, cancelFlag.Load)
		if err != nil {
			errCh <- err
			return
		}
		outCh <- out
	}()

	store := snapshot.NewStore(cfg.AutosaveDir)
	var ticker *time.Ticker
	var tickerC <-chan time.Time
	if cfg.AutosaveInterval > 0 && cfg.AutosaveDir != "" {
		ticker = time.NewTicker(cfg.AutosaveInterval)
		tickerC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case out := <-outCh:
			return Result{Snapshot: finalize(runID, out), RunID: runID, Mode: mode}, nil

		case err := <-errCh:
			return Result{Snapshot: prog.snapshot(records, runID), RunID: runID, Mode: mode}, err

		case <-tickerC:
			snap := prog.snapshot(records, runID)
			if _, err := store.Save(snap, time.Now()); err != nil {
				cfg.Logger.Error("autosave failed", "error", err)
			} else {
				cfg.Logger.Info("autosave complete", "results", len(snap.Results), "compile_errors", len(snap.CompileErrors), "unprocessed", len(snap.Unprocessed))
			}

		case <-time.After(50 * time.Millisecond):
			if abortFlag.Load() {
				cfg.Logger.Warn("returning with partial results after second interrupt")
				prog.cancelRemaining()
				return Result{Snapshot: prog.snapshot(records, runID), RunID: runID, Mode: mode}, nil
			}
		}
	}
}

func finalize(runID string, out *pipeline.Outcome) model.Snapshot {
	return model.Snapshot{
		ID:            runID,
		Results:       out.Results,
		CompileErrors: out.CompileErrors,
		Unprocessed:   out.Unprocessed,
	}
}

// progress tracks which source indexes have reached a terminal outcome so
// an autosave snapshot taken mid-run can report every other record as
// unprocessed, preserving the "every record accounted for exactly once"
// invariant at any point in time.
type progress struct {
	mu            sync.Mutex
	results       []model.ResultRecord
	compileErrors []model.CompileErrorRecord
	states        jobstate.Table
}

func newProgress(sourceIndexes []int) *progress {
	return &progress{states: jobstate.NewTable(sourceIndexes)}
}

// advance moves a job's tracked state forward. It prefers a validated
// transition from the job's current state, but falls back to setting the
// state directly when the expected prior state doesn't hold (e.g. two
// callers racing to mark the same job Cancelled) rather than let a state
// machine disagreement abort the sweep.
func (p *progress) advance(sourceIndex int, to jobstate.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.states[sourceIndex]
	if err := jobstate.Transition(p.states, sourceIndex, from, to); err != nil {
		p.states[sourceIndex] = to
	}
}

// cancelRemaining force-cancels every job not already in a terminal state,
// used when a second interrupt abandons whatever is still in flight.
func (p *progress) cancelRemaining() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sourceIndex := range p.states {
		jobstate.ForceCancel(p.states, sourceIndex)
	}
}

func (p *progress) recordResult(r model.ResultRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
}

func (p *progress) recordCompileError(e model.CompileErrorRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compileErrors = append(p.compileErrors, e)
}

func (p *progress) snapshot(records []model.DataRecord, id string) model.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]model.ResultRecord, len(p.results))
	copy(results, p.results)
	compileErrors := make([]model.CompileErrorRecord, len(p.compileErrors))
	copy(compileErrors, p.compileErrors)

	var unprocessed []model.UnprocessedRecord
	for _, rec := range records {
		// A job only has a recorded Result or CompileErrorRecord once it
		// reaches Completed or CompileError; every other state — including
		// Cancelled, which force-cancellation reaches without recording
		// anything — still belongs in Unprocessed so a --continue run picks
		// it back up instead of losing it.
		switch p.states[rec.SourceIndex] {
		case jobstate.Completed, jobstate.CompileError:
		default:
			unprocessed = append(unprocessed, model.UnprocessedRecord{SourceIndex: rec.SourceIndex, Data: rec.Fields})
		}
	}

	return model.Snapshot{ID: id, Results: results, CompileErrors: compileErrors, Unprocessed: unprocessed}
}

func makeBuildFunc(cfg Config, mode pipeline.Mode, renderer *render.Renderer, prog *progress, devices []string, pool *workspace.Pool, mover *artifact.Mover, cancelFlag *atomic.Bool, runID string) pipeline.BuildFunc {
	return func(ctx context.Context, slot int, rec model.DataRecord) (pipeline.BuildOutcome, error) {
		cfg.Sink.Record(trace.Event{RunID: runID, SourceIndex: rec.SourceIndex, Kind: trace.EventJobStarted, Slot: slot, Time: time.Now()})
		prog.advance(rec.SourceIndex, jobstate.Rendering)

		dir := pool.Build[slot]
		destPath := filepath.Join(dir, cfg.TemplateTargetRelPath)
		if err := renderer.RenderToFile(rec, destPath); err != nil {
			ce := model.CompileErrorRecord{SourceIndex: rec.SourceIndex, Data: rec.Fields, Stage: "render", Stderr: err.Error()}
			prog.advance(rec.SourceIndex, jobstate.CompileError)
			prog.recordCompileError(ce)
			return pipeline.BuildOutcome{CompileError: &ce}, nil
		}
		prog.advance(rec.SourceIndex, jobstate.Building)

		env := script.Env{
			ParabuildID:        strconv.Itoa(slot),
			CUDAVisibleDevices: workspace.AssignDevice(devices, slot),
		}
		if cfg.Makefile {
			env.CPPFLAGS = cppflagsFor(rec)
		}
		res := script.Result{}
		if !cfg.DryRun {
			var err error
			res, err = script.Run(ctx, dir, cfg.CompileScript, env)
			if err != nil {
				return pipeline.BuildOutcome{}, fmt.Errorf("record %d: compile script: %w", rec.SourceIndex, err)
			}
		}
		cfg.Sink.Record(trace.Event{RunID: runID, SourceIndex: rec.SourceIndex, Kind: trace.EventBuildCompleted, Slot: slot, Time: time.Now()})

		if res.ExitCode != 0 || script.LooksLikeCompileFailure(res.Stderr) {
			ce := model.CompileErrorRecord{SourceIndex: rec.SourceIndex, Data: rec.Fields, Stage: "compile", Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
			prog.advance(rec.SourceIndex, jobstate.CompileError)
			prog.recordCompileError(ce)
			cfg.Sink.Record(trace.Event{RunID: runID, SourceIndex: rec.SourceIndex, Kind: trace.EventCompileError, Slot: slot, Time: time.Now()})
			if cfg.PanicOnCompileError {
				cancelFlag.Store(true)
			}
			return pipeline.BuildOutcome{CompileError: &ce}, nil
		}

		if mode == pipeline.ModeCompileOnly {
			if !cfg.DryRun && len(cfg.TargetFiles) > 0 {
				targetsDir := cfg.TargetsDir
				if targetsDir == "" {
					targetsDir = filepath.Join(pool.Root, "targets")
				}
				if err := mover.Collect(dir, targetsDir, cfg.TargetFiles, rec.SourceIndex); err != nil {
					ce := model.CompileErrorRecord{SourceIndex: rec.SourceIndex, Data: rec.Fields, Stage: "compile", Stderr: err.Error()}
					prog.advance(rec.SourceIndex, jobstate.CompileError)
					prog.recordCompileError(ce)
					return pipeline.BuildOutcome{CompileError: &ce}, nil
				}
			}
			prog.advance(rec.SourceIndex, jobstate.Completed)
			return pipeline.BuildOutcome{}, nil
		}

		if cfg.RunScript == "" {
			// validate() guarantees every run-bearing mode has either an
			// explicit run script or target_files to derive one from; this
			// is a last-resort guard against the job otherwise vanishing
			// from both Results and CompileErrors.
			ce := model.CompileErrorRecord{SourceIndex: rec.SourceIndex, Data: rec.Fields, Stage: "run", Stderr: "no run script configured for a run-bearing mode"}
			prog.advance(rec.SourceIndex, jobstate.CompileError)
			prog.recordCompileError(ce)
			return pipeline.BuildOutcome{CompileError: &ce}, nil
		}

		prog.advance(rec.SourceIndex, jobstate.Moving)
		return pipeline.BuildOutcome{RunJob: &model.RunJob{Record: rec, SlotIndex: slot, TargetPaths: cfg.TargetFiles}}, nil
	}
}

func makeRunFunc(cfg Config, prog *progress, pool *workspace.Pool, mover *artifact.Mover, cancelFlag *atomic.Bool, runID string) pipeline.RunFunc {
	devices := workspace.MIGDevices()
	return func(ctx context.Context, slot int, job model.RunJob) (pipeline.RunOutcome, error) {
		dir := pool.Run[slot]

		if !cfg.DryRun && !pool.InPlace && len(cfg.TargetFiles) > 0 {
			buildDir := pool.Build[job.SlotIndex]
			// A job that reached the run stage has already been built; its
			// move is not interrupted by cancellation, so it runs to
			// completion like any other dispatched job.
			if err := mover.Move(buildDir, dir, cfg.TargetFiles, nil); err != nil {
				ce := model.CompileErrorRecord{SourceIndex: job.Record.SourceIndex, Data: job.Record.Fields, Stage: "compile", Stderr: err.Error()}
				prog.advance(job.Record.SourceIndex, jobstate.CompileError)
				prog.recordCompileError(ce)
				return pipeline.RunOutcome{CompileError: &ce}, nil
			}
			cfg.Sink.Record(trace.Event{RunID: runID, SourceIndex: job.Record.SourceIndex, Kind: trace.EventMoved, Slot: slot, Time: time.Now()})
		}
		prog.advance(job.Record.SourceIndex, jobstate.Running)

		env := script.Env{
			ParabuildID:        strconv.Itoa(slot),
			CUDAVisibleDevices: workspace.AssignDevice(devices, slot),
		}
		res := script.Result{}
		if !cfg.DryRun {
			var err error
			res, err = script.Run(ctx, dir, cfg.RunScript, env)
			if err != nil {
				return pipeline.RunOutcome{}, fmt.Errorf("record %d: run script: %w", job.Record.SourceIndex, err)
			}
		}
		cfg.Sink.Record(trace.Event{RunID: runID, SourceIndex: job.Record.SourceIndex, Kind: trace.EventRunCompleted, Slot: slot, Time: time.Now()})

		result := model.ResultRecord{
			SourceIndex: job.Record.SourceIndex,
			Data:        job.Record.Fields,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
			ExitCode:    res.ExitCode,
		}
		prog.advance(job.Record.SourceIndex, jobstate.Completed)
		prog.recordResult(result)
		return pipeline.RunOutcome{Result: &result}, nil
	}
}

// cppflagsFor builds a Makefile-style -DKEY=VALUE flag per data field, sorted
// by key so the same record always produces the same flag string regardless
// of map iteration order.
func cppflagsFor(rec model.DataRecord) string {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		flags = append(flags, fmt.Sprintf("-D%s=%v", k, rec.Fields[k]))
	}
	return strings.Join(flags, " ")
}
