package types

import (
	"encoding/json"
	"time"
)

// Event is one NDJSON event line. Engine subprocesses emit these on stdout;
// the runner appends them to per-run and per-environment event logs.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Event     string         `json:"event"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// EngineRunCompleted is the event name the engine emits exactly once on
// success, carrying the full result payload in Data.
const EngineRunCompleted = "engine.run.completed"

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(level, name, message string) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Event:     name,
		Message:   message,
	}
}

// WithData returns a copy of the event with the data payload attached.
func (e Event) WithData(data map[string]any) Event {
	e.Data = data
	return e
}

// WithContext returns a copy of the event with correlation context attached.
func (e Event) WithContext(ctx map[string]any) Event {
	e.Context = ctx
	return e
}

// ParseEventLine decodes a single NDJSON line. The second return value is
// false when the line is not a JSON object carrying an "event" key; such
// lines are wrapped as <scope>.stdout / <scope>.stderr by the runner.
func ParseEventLine(line []byte) (Event, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return Event{}, false
	}
	if _, ok := probe["event"]; !ok {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}
