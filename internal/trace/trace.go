// Package trace records a sweep's per-job lifecycle events for post-hoc
// diagnosis. It is purely observational: nothing here ever influences
// execution, and a Sink must be inert the way the rest of the run already
// assumes (Record must not panic, must not block dispatch).
package trace

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// EventKind is the stable discriminator for an Event.
type EventKind string

const (
	EventJobStarted      EventKind = "job_started"
	EventBuildCompleted  EventKind = "build_completed"
	EventCompileError    EventKind = "compile_error"
	EventMoved           EventKind = "moved"
	EventRunCompleted    EventKind = "run_completed"
	EventCancelled       EventKind = "cancelled"
)

// Event is one logical occurrence in a job's life.
type Event struct {
	RunID       string    `json:"run_id"`
	SourceIndex int       `json:"source_index"`
	Kind        EventKind `json:"kind"`
	Slot        int       `json:"slot,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Time        time.Time `json:"time"`
}

// Sink is the minimal interface the pipeline depends on. Implementations
// must be safe for concurrent use: build and run workers call Record from
// separate goroutines.
type Sink interface {
	Record(event Event)
}

// NopSink discards every event; it is the default when --trace-file is
// not set, at zero cost.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// JSONLSink appends one JSON object per line to a writer, guarded by a
// mutex since multiple workers record concurrently.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink wraps w (typically an os.File opened for append) as a Sink.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Record implements Sink. A marshal or write failure is swallowed: a
// broken trace file must never abort a sweep.
func (s *JSONLSink) Record(event Event) {
	if s == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(data)
}

// NewRunID returns an opaque identifier correlating every event recorded
// for one sweep invocation.
func NewRunID() (string, error) {
	id := uuid.NewV4()
	return id.String(), nil
}
