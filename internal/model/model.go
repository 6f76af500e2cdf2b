// Package model defines the data shapes that flow through a Parabuild run.
//
// Design constraints:
//   - DataRecord preserves the exact JSON shape of its source row; it is never
//     re-typed into a fixed struct, since the set of sweep parameters is
//     arbitrary and decided entirely by the input file.
//   - Every record type here is the unit that gets serialized into one of the
//     three output files (output.json, compile_error_datas.json,
//     unprocessed_data.json); field names and JSON tags are part of that
//     on-disk contract and must not be renamed casually.
package model

import (
	"bytes"
	"encoding/json"
)

// DataRecord is one row of the sweep's input data, keyed by its original
// JSON object fields. json.Number is preserved rather than collapsed to
// float64 so integer parameter values round-trip exactly through template
// rendering and back into the result files.
type DataRecord struct {
	SourceIndex int
	Fields      map[string]any
}

// Get returns a field value and whether it was present.
func (r DataRecord) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// DecodeDataRecords parses a JSON array of objects into DataRecords, assigning
// SourceIndex in array order. This is the order that --sort-by-source-index
// restores at output time, and the order in which sequential mode runs its
// built jobs.
func DecodeDataRecords(data []byte) ([]DataRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]DataRecord, 0, len(raw))
	for i, fields := range raw {
		out = append(out, DataRecord{SourceIndex: i, Fields: fields})
	}
	return out, nil
}

// SlotKind distinguishes the two pools of filesystem workspaces a run
// provisions.
type SlotKind string

const (
	SlotKindWorkspace SlotKind = "workspace"
	SlotKindRun       SlotKind = "run"
)

// WorkspaceSlot is one reusable build-side filesystem workspace.
type WorkspaceSlot struct {
	Index int
	Dir   string
	// MIGDevice is the CUDA_VISIBLE_DEVICES value assigned to this slot, or
	// empty when MIG partitioning is not in use.
	MIGDevice string
}

// RunSlot is one reusable run-side filesystem workspace. In in-place mode
// RunSlot.Dir aliases the corresponding WorkspaceSlot.Dir.
type RunSlot struct {
	Index int
	Dir   string
	MIGDevice string
}

// BuildJob is one unit of build-stage work: render the template for a single
// data record into a workspace slot, then compile it.
type BuildJob struct {
	Record DataRecord
}

// RunJob is one unit of run-stage work, produced once a BuildJob compiles
// successfully. SlotIndex is the build slot that produced it; TargetPaths
// lists the target files relative to a workspace root, which the run stage
// moves out of that build slot (unless running in place) before running.
type RunJob struct {
	Record      DataRecord
	SlotIndex   int
	TargetPaths []string
}

// ResultRecord is a single successful sweep outcome.
type ResultRecord struct {
	SourceIndex int            `json:"source_index"`
	Data        map[string]any `json:"data"`
	Stdout      string         `json:"stdout"`
	Stderr      string         `json:"stderr"`
	ExitCode    int            `json:"exit_code"`
}

// CompileErrorRecord captures a data point whose render or compile step
// failed. It is never silently dropped; it always ends up in
// compile_error_datas.json.
type CompileErrorRecord struct {
	SourceIndex int            `json:"source_index"`
	Data        map[string]any `json:"data"`
	Stage       string         `json:"stage"` // "render", "compile" or "run"
	Stdout      string         `json:"stdout"`
	Stderr      string         `json:"stderr"`
	ExitCode    int            `json:"exit_code"`
}

// UnprocessedRecord is a data point that had no result or compile error yet
// when the run stopped (cancellation, panic-on-compile-error) or when an
// autosave snapshot was taken mid-run: either never dispatched, or built
// but not yet run, or still in flight. It is the seed for --continue.
type UnprocessedRecord struct {
	SourceIndex int            `json:"source_index"`
	Data        map[string]any `json:"data"`
}

// Snapshot is the complete autosave/resume unit: a consistent point-in-time
// partition of every record into exactly one of the three record lists.
// The one exception is compile-only mode, where a successfully built record
// has no run result and appears in none of the lists.
type Snapshot struct {
	ID                  string               `json:"id"`
	Results             []ResultRecord       `json:"results"`
	CompileErrors       []CompileErrorRecord `json:"compile_errors"`
	Unprocessed         []UnprocessedRecord  `json:"unprocessed"`
}
