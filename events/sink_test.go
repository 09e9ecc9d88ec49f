package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ade-io/ade/types"
)

func TestFileSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1", "events.ndjson")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sink.Write(types.NewEvent("info", "run.start", "starting")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(types.NewEvent("error", "run.failed", "boom").WithData(map[string]any{"exit_code": 1})); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := sink.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()
	var lines []types.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev types.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not JSON: %v", len(lines), err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].Event != "run.start" || lines[1].Event != "run.failed" {
		t.Errorf("order = %s, %s", lines[0].Event, lines[1].Event)
	}
	if lines[1].Data["exit_code"] != float64(1) {
		t.Errorf("data = %v", lines[1].Data)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := sink.Write(types.NewEvent("info", "pass", "x")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(splitLines(raw)); n != 2 {
		t.Errorf("lines after reopen = %d, want 2", n)
	}
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
