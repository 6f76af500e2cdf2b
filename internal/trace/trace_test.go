package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONLSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)

	sink.Record(Event{RunID: "r1", SourceIndex: 0, Kind: EventJobStarted, Time: time.Unix(0, 0)})
	sink.Record(Event{RunID: "r1", SourceIndex: 1, Kind: EventBuildCompleted, Time: time.Unix(0, 0)})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d: %q", len(lines), buf.String())
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if ev.Kind != EventJobStarted || ev.SourceIndex != 0 {
		t.Errorf("got %+v", ev)
	}
}

func TestNopSinkDiscardsEverything(t *testing.T) {
	var s Sink = NopSink{}
	s.Record(Event{Kind: EventCancelled})
}

func TestNewRunIDReturnsDistinctValues(t *testing.T) {
	a, err := NewRunID()
	if err != nil {
		t.Fatalf("NewRunID: %v", err)
	}
	b, err := NewRunID()
	if err != nil {
		t.Fatalf("NewRunID: %v", err)
	}
	if a == b {
		t.Error("want distinct run ids")
	}
}
