// Package pipeline selects and drives one of Parabuild's four execution
// modes: build jobs always flow through a worker pool, but how (and
// whether) their output feeds a run stage depends on the mode.
package pipeline

// Mode is the execution mode selected once per run, from (R, run_in_place),
// and threaded through unchanged rather than re-derived by any downstream
// component.
type Mode string

const (
	// ModePipelined runs build and run workers concurrently: a job moves
	// into the run queue the moment its build completes, while the build
	// pool keeps working on the next job. This needs independent run
	// workspaces (R >= 1, not in-place).
	ModePipelined Mode = "pipelined"

	// ModeSequential builds every job to completion first, then runs every
	// successfully built job. Chosen with a negative -J when
	// overlapping build and run I/O would contend for the same resource
	// (e.g. a shared GPU the run step needs exclusively).
	ModeSequential Mode = "sequential"

	// ModeInPlace runs each job's run step in the same workspace slot it
	// was just built in, immediately after the build. Build and run slot
	// counts are necessarily equal.
	ModeInPlace Mode = "in_place"

	// ModeCompileOnly skips the run stage entirely: R == 0.
	ModeCompileOnly Mode = "compile_only"
)

// Select derives the execution mode from -J's sign and --run-in-place,
// exactly as spec.md's mode table: run-in-place wins outright (R is
// ignored), then R's sign picks sequential/compile-only/pipelined.
func Select(runWorkers int, runInPlace bool) Mode {
	switch {
	case runInPlace:
		return ModeInPlace
	case runWorkers < 0:
		return ModeSequential
	case runWorkers == 0:
		return ModeCompileOnly
	default:
		return ModePipelined
	}
}
