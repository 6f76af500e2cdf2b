package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"parabuild/internal/model"
)

// BuildOutcome is what a build worker reports for one job.
type BuildOutcome struct {
	CompileError *model.CompileErrorRecord
	RunJob       *model.RunJob // nil when CompileError is set, or when the mode has no run stage
}

// RunOutcome is what a run worker reports for one job.
type RunOutcome struct {
	Result       *model.ResultRecord
	CompileError *model.CompileErrorRecord
}

// BuildFunc builds one record in the given build slot.
type BuildFunc func(ctx context.Context, slot int, rec model.DataRecord) (BuildOutcome, error)

// RunFunc runs one already-built record in the given run slot.
type RunFunc func(ctx context.Context, slot int, job model.RunJob) (RunOutcome, error)

// Outcome aggregates everything a sweep produced, in no particular order;
// the orchestrator is responsible for any requested output ordering.
type Outcome struct {
	Results       []model.ResultRecord
	CompileErrors []model.CompileErrorRecord
	Unprocessed   []model.UnprocessedRecord
}

// IsCancelled is polled by the pools at each safe suspension point.
type IsCancelled func() bool

// Run drives the full build (and, depending on mode, run) stage over
// records using numBuildSlots/numRunSlots workers, and returns everything
// produced. Any record dispatched to a worker runs to completion even if
// cancellation is observed afterward; only the dispatch of the *next*
// record is skipped once cancelled, which is what keeps a cancelled run
// from leaving partially-written target files behind.
func Run(ctx context.Context, mode Mode, numBuildSlots, numRunSlots int, records []model.DataRecord, build BuildFunc, run RunFunc, cancelled IsCancelled) (*Outcome, error) {
	switch mode {
	case ModePipelined:
		return runPipelined(ctx, numBuildSlots, numRunSlots, records, build, run, cancelled)
	case ModeSequential:
		return runSequential(ctx, numBuildSlots, numRunSlots, records, build, run, cancelled)
	case ModeInPlace:
		return runInPlace(ctx, numBuildSlots, records, build, run, cancelled)
	default: // ModeCompileOnly
		return runCompileOnly(ctx, numBuildSlots, records, build, cancelled)
	}
}

type aggregator struct {
	mu sync.Mutex
	out Outcome
}

func (a *aggregator) addBuildOutcome(rec model.DataRecord, outcome BuildOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if outcome.CompileError != nil {
		a.out.CompileErrors = append(a.out.CompileErrors, *outcome.CompileError)
	}
}

func (a *aggregator) addRunOutcome(outcome RunOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if outcome.Result != nil {
		a.out.Results = append(a.out.Results, *outcome.Result)
	}
	if outcome.CompileError != nil {
		a.out.CompileErrors = append(a.out.CompileErrors, *outcome.CompileError)
	}
}

func (a *aggregator) addUnprocessed(rec model.DataRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.Unprocessed = append(a.out.Unprocessed, model.UnprocessedRecord{
		SourceIndex: rec.SourceIndex,
		Data:        rec.Fields,
	})
}

// runCompileOnly builds every record with a bounded worker pool and never
// runs anything.
func runCompileOnly(ctx context.Context, numBuildSlots int, records []model.DataRecord, build BuildFunc, cancelled IsCancelled) (*Outcome, error) {
	agg := &aggregator{}
	slotCh := make(chan int, numBuildSlots)
	for i := 0; i < numBuildSlots; i++ {
		slotCh <- i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numBuildSlots)

	for _, rec := range records {
		rec := rec
		if cancelled != nil && cancelled() {
			agg.addUnprocessed(rec)
			continue
		}
		g.Go(func() error {
			slot := <-slotCh
			defer func() { slotCh <- slot }()

			outcome, err := build(gctx, slot, rec)
			if err != nil {
				return err
			}
			agg.addBuildOutcome(rec, outcome)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &agg.out, nil
}

// runSequential builds every record to completion first (as a bounded
// wave), then runs every successfully built record as a second bounded
// wave. The two waves never overlap.
func runSequential(ctx context.Context, numBuildSlots, numRunSlots int, records []model.DataRecord, build BuildFunc, run RunFunc, cancelled IsCancelled) (*Outcome, error) {
	agg := &aggregator{}

	var mu sync.Mutex
	var runJobs []model.RunJob

	buildSlotCh := make(chan int, numBuildSlots)
	for i := 0; i < numBuildSlots; i++ {
		buildSlotCh <- i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numBuildSlots)
	for _, rec := range records {
		rec := rec
		if cancelled != nil && cancelled() {
			agg.addUnprocessed(rec)
			continue
		}
		g.Go(func() error {
			slot := <-buildSlotCh
			defer func() { buildSlotCh <- slot }()

			outcome, err := build(gctx, slot, rec)
			if err != nil {
				return err
			}
			agg.addBuildOutcome(rec, outcome)
			if outcome.RunJob != nil {
				mu.Lock()
				runJobs = append(runJobs, *outcome.RunJob)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(runJobs, func(i, j int) bool { return runJobs[i].Record.SourceIndex < runJobs[j].Record.SourceIndex })

	runSlotCh := make(chan int, numRunSlots)
	for i := 0; i < numRunSlots; i++ {
		runSlotCh <- i
	}

	g2, gctx2 := errgroup.WithContext(ctx)
	g2.SetLimit(numRunSlots)
	for _, job := range runJobs {
		job := job
		if cancelled != nil && cancelled() {
			agg.addUnprocessed(job.Record)
			continue
		}
		g2.Go(func() error {
			slot := <-runSlotCh
			defer func() { runSlotCh <- slot }()

			outcome, err := run(gctx2, slot, job)
			if err != nil {
				return err
			}
			agg.addRunOutcome(outcome)
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}
	return &agg.out, nil
}

// runPipelined overlaps build and run work: each build worker pushes its
// successful output directly onto a channel the run workers drain, so run
// slot N can be working on job K's output while build slot M is still
// building job K+1.
func runPipelined(ctx context.Context, numBuildSlots, numRunSlots int, records []model.DataRecord, build BuildFunc, run RunFunc, cancelled IsCancelled) (*Outcome, error) {
	agg := &aggregator{}

	runJobCh := make(chan model.RunJob, numRunSlots)

	g, gctx := errgroup.WithContext(ctx)

	// A build slot that produced a run job stays checked out until the run
	// stage has finished with that job, so the next build in the slot cannot
	// overwrite target files that have not been moved out yet.
	buildSlotCh := make(chan int, numBuildSlots)
	for i := 0; i < numBuildSlots; i++ {
		buildSlotCh <- i
	}

	// Run workers.
	runSlotCh := make(chan int, numRunSlots)
	for i := 0; i < numRunSlots; i++ {
		runSlotCh <- i
	}
	for i := 0; i < numRunSlots; i++ {
		g.Go(func() error {
			for job := range runJobCh {
				slot := <-runSlotCh
				outcome, err := run(gctx, slot, job)
				runSlotCh <- slot
				buildSlotCh <- job.SlotIndex
				if err != nil {
					return err
				}
				agg.addRunOutcome(outcome)
			}
			return nil
		})
	}

	// Build workers.
	buildG, buildCtx := errgroup.WithContext(gctx)
	buildG.SetLimit(numBuildSlots)
	for _, rec := range records {
		rec := rec
		if cancelled != nil && cancelled() {
			agg.addUnprocessed(rec)
			continue
		}
		buildG.Go(func() error {
			slot := <-buildSlotCh
			outcome, err := build(buildCtx, slot, rec)
			if err != nil || outcome.RunJob == nil {
				buildSlotCh <- slot
			}
			if err != nil {
				return err
			}
			agg.addBuildOutcome(rec, outcome)
			if outcome.RunJob != nil {
				runJobCh <- *outcome.RunJob
			}
			return nil
		})
	}

	buildErr := buildG.Wait()
	close(runJobCh)
	runErr := g.Wait()

	if buildErr != nil {
		return nil, buildErr
	}
	if runErr != nil {
		return nil, runErr
	}
	return &agg.out, nil
}

// runInPlace builds and immediately runs each job in the same slot, using
// numBuildSlots workers for both stages since build and run share the same
// workspace.
func runInPlace(ctx context.Context, numSlots int, records []model.DataRecord, build BuildFunc, run RunFunc, cancelled IsCancelled) (*Outcome, error) {
	agg := &aggregator{}

	slotCh := make(chan int, numSlots)
	for i := 0; i < numSlots; i++ {
		slotCh <- i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numSlots)
	for _, rec := range records {
		rec := rec
		if cancelled != nil && cancelled() {
			agg.addUnprocessed(rec)
			continue
		}
		g.Go(func() error {
			slot := <-slotCh
			defer func() { slotCh <- slot }()

			outcome, err := build(gctx, slot, rec)
			if err != nil {
				return err
			}
			agg.addBuildOutcome(rec, outcome)
			if outcome.RunJob == nil {
				return nil
			}
			runOutcome, err := run(gctx, slot, *outcome.RunJob)
			if err != nil {
				return err
			}
			agg.addRunOutcome(runOutcome)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &agg.out, nil
}
