// Package jobstate models the lifecycle of a single sweep job.
//
// Unlike a build graph, Parabuild's jobs have no dependency edges between
// them: every data record is independent. What carries over from a
// dependency-graph executor is the discipline of expressing the lifecycle
// as an explicit, validated state machine rather than ad hoc booleans, so
// that "which jobs are still in flight when we cancel" is always a single
// pass over one map.
package jobstate

import "fmt"

// State is the runtime execution state of one job.
type State string

const (
	Pending      State = "PENDING"
	Rendering    State = "RENDERING"
	Building     State = "BUILDING"
	CompileError State = "COMPILE_ERROR"
	Moving       State = "MOVING"
	Running      State = "RUNNING"
	Completed    State = "COMPLETED"
	Cancelled    State = "CANCELLED"
)

// IsTerminal reports whether a job in this state will never transition again.
func IsTerminal(s State) bool {
	switch s {
	case CompileError, Completed, Cancelled:
		return true
	default:
		return false
	}
}

// Table is a per-job state map, keyed by source index.
type Table map[int]State

// NewTable initializes every given source index to Pending.
func NewTable(sourceIndexes []int) Table {
	t := make(Table, len(sourceIndexes))
	for _, idx := range sourceIndexes {
		t[idx] = Pending
	}
	return t
}

// Transition performs a validated state change for one job, identified by
// source index. The caller supplies the expected prior state so that a
// stale read (the caller observed state before a concurrent transition)
// is surfaced as an error instead of silently clobbering it.
func Transition(t Table, sourceIndex int, from, to State) error {
	cur, ok := t[sourceIndex]
	if !ok {
		return fmt.Errorf("unknown job %d in state table", sourceIndex)
	}
	if cur != from {
		return fmt.Errorf("job %d: invalid transition: expected state %s, got %s", sourceIndex, from, cur)
	}
	if !isAllowed(from, to) {
		return fmt.Errorf("job %d: disallowed transition %s -> %s", sourceIndex, from, to)
	}
	t[sourceIndex] = to
	return nil
}

// ForceCancel transitions a job straight to Cancelled from any non-terminal
// state, without requiring the caller to know the current state. It is a
// no-op if the job is already terminal.
func ForceCancel(t Table, sourceIndex int) {
	cur, ok := t[sourceIndex]
	if !ok || IsTerminal(cur) {
		return
	}
	t[sourceIndex] = Cancelled
}

func isAllowed(from, to State) bool {
	switch from {
	case Pending:
		return to == Rendering || to == Cancelled
	case Rendering:
		return to == Building || to == CompileError || to == Cancelled
	case Building:
		// Completed is reachable directly in compile-only sweeps, which have
		// no Moving/Running stage.
		return to == CompileError || to == Moving || to == Completed || to == Cancelled
	case Moving:
		return to == Running || to == CompileError || to == Cancelled
	case Running:
		return to == Completed || to == CompileError || to == Cancelled
	default:
		return false
	}
}
