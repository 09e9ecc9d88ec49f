package types

import (
	"testing"
	"time"
)

func TestParseEventLine_ValidEvent(t *testing.T) {
	line := []byte(`{"timestamp":"2026-01-02T03:04:05Z","level":"info","event":"engine.run.completed","message":"done","data":{"outputs":{"normalized":{"path":"out/normalized.json"}}}}`)

	ev, ok := ParseEventLine(line)
	if !ok {
		t.Fatal("expected line to parse as an event")
	}
	if ev.Event != EngineRunCompleted {
		t.Errorf("event = %q, want %q", ev.Event, EngineRunCompleted)
	}
	if ev.Level != "info" {
		t.Errorf("level = %q, want info", ev.Level)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Data == nil {
		t.Error("data payload missing")
	}
}

func TestParseEventLine_MissingEventKey(t *testing.T) {
	if _, ok := ParseEventLine([]byte(`{"message":"plain json, no event key"}`)); ok {
		t.Error("object without event key should not parse as an event")
	}
}

func TestParseEventLine_NotJSON(t *testing.T) {
	if _, ok := ParseEventLine([]byte("Installing collected packages: openpyxl")); ok {
		t.Error("plain text line should not parse as an event")
	}
}

func TestParseEventLine_JSONArray(t *testing.T) {
	if _, ok := ParseEventLine([]byte(`[1,2,3]`)); ok {
		t.Error("JSON array should not parse as an event")
	}
}

func TestNewEvent_StampsUTC(t *testing.T) {
	ev := NewEvent("info", "run.start", "starting")
	if ev.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", ev.Timestamp.Location())
	}
	if ev.Event != "run.start" || ev.Message != "starting" {
		t.Errorf("unexpected event fields: %+v", ev)
	}
}
