package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/types"
)

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second}, // clamped to attempt 1
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute}, // 320s capped
		{50, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(base, max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffMonotone(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := Backoff(time.Second, time.Minute, attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > time.Minute {
			t.Fatalf("backoff exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}

func TestParseRunResultsMetrics(t *testing.T) {
	runID := uuid.New()
	data := map[string]any{
		"evaluation_outcome": "pass",
		"findings": map[string]any{
			"total":       float64(7),
			"by_severity": map[string]any{"info": float64(3), "warning": float64(2), "error": float64(2)},
		},
		"counts": map[string]any{"workbooks": float64(1), "sheets": float64(4), "tables": float64(6)},
		"rows":   map[string]any{"total": float64(120), "empty": float64(3)},
	}

	results := parseRunResults(runID, data)
	m := results.Metrics
	if m == nil {
		t.Fatal("expected metrics")
	}
	if m.RunID != runID {
		t.Errorf("run id mismatch: %s", m.RunID)
	}
	if m.EvaluationOutcome == nil || *m.EvaluationOutcome != "pass" {
		t.Errorf("evaluation outcome = %v", m.EvaluationOutcome)
	}
	if m.FindingsTotal == nil || *m.FindingsTotal != 7 {
		t.Errorf("findings total = %v", m.FindingsTotal)
	}
	if m.FindingsWarning == nil || *m.FindingsWarning != 2 {
		t.Errorf("findings warning = %v", m.FindingsWarning)
	}
	if m.SheetCount == nil || *m.SheetCount != 4 {
		t.Errorf("sheet count = %v", m.SheetCount)
	}
	if m.RowsEmpty == nil || *m.RowsEmpty != 3 {
		t.Errorf("rows empty = %v", m.RowsEmpty)
	}
}

func TestParseRunResultsNestedOutcome(t *testing.T) {
	data := map[string]any{
		"evaluation": map[string]any{"outcome": "fail"},
	}
	m := parseMetrics(uuid.New(), data)
	if m == nil || m.EvaluationOutcome == nil || *m.EvaluationOutcome != "fail" {
		t.Fatalf("expected nested outcome, got %+v", m)
	}
}

func TestParseRunResultsEmptyPayload(t *testing.T) {
	results := parseRunResults(uuid.New(), map[string]any{})
	if results.Metrics != nil {
		t.Error("expected nil metrics for empty payload")
	}
	if results.Fields != nil || results.Columns != nil {
		t.Error("expected no fields or columns for empty payload")
	}
}

func TestParseRunResultsNonWholeFloatDropped(t *testing.T) {
	data := map[string]any{
		"rows": map[string]any{"total": 1.5, "empty": float64(2)},
	}
	m := parseMetrics(uuid.New(), data)
	if m == nil {
		t.Fatal("expected metrics")
	}
	if m.RowsTotal != nil {
		t.Errorf("fractional total should be dropped, got %v", *m.RowsTotal)
	}
	if m.RowsEmpty == nil || *m.RowsEmpty != 2 {
		t.Errorf("rows empty = %v", m.RowsEmpty)
	}
}

func TestParseRunResultsFields(t *testing.T) {
	runID := uuid.New()
	data := map[string]any{
		"fields": []any{
			map[string]any{"field": "invoice_number", "detected": true, "label": "Invoice #", "best_mapping_score": 0.91},
			map[string]any{"field": "total", "detected": false},
			map[string]any{"field": "", "detected": true},      // missing name: dropped
			map[string]any{"field": "no_detected_flag"},        // missing detected: dropped
			"not an object",                                    // dropped
		},
	}
	fields := parseFields(runID, data)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Field != "invoice_number" || !fields[0].Detected {
		t.Errorf("unexpected first field %+v", fields[0])
	}
	if fields[0].BestMappingScore == nil || *fields[0].BestMappingScore != 0.91 {
		t.Errorf("best mapping score = %v", fields[0].BestMappingScore)
	}
	if fields[1].Field != "total" || fields[1].Detected {
		t.Errorf("unexpected second field %+v", fields[1])
	}
}

func TestParseRunResultsColumns(t *testing.T) {
	runID := uuid.New()
	data := map[string]any{
		"workbooks": []any{
			map[string]any{
				"sheets": []any{
					map[string]any{
						"tables": []any{
							map[string]any{
								"structure": map[string]any{
									"columns": []any{
										map[string]any{
											"mapping_status":  "mapped",
											"header_raw":      "Invoice No.",
											"mapped_field":    "invoice_number",
											"mapping_score":   0.88,
											"non_empty_cells": float64(41),
										},
										map[string]any{
											"mapping_status":  "unmapped",
											"header_raw":      "Misc",
											"unmapped_reason": "low_score",
										},
										map[string]any{"mapping_status": "bogus"}, // dropped
										map[string]any{"header_raw": "no status"}, // dropped
									},
								},
							},
						},
					},
				},
			},
		},
	}
	cols := parseColumns(runID, data)
	if len(cols) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(cols))
	}
	first := cols[0]
	if first.MappingStatus != types.ColumnMapped {
		t.Errorf("mapping status = %s", first.MappingStatus)
	}
	if first.WorkbookIndex != 0 || first.SheetIndex != 0 || first.TableIndex != 0 || first.ColumnIndex != 0 {
		t.Errorf("unexpected indices %+v", first)
	}
	if first.MappedField == nil || *first.MappedField != "invoice_number" {
		t.Errorf("mapped field = %v", first.MappedField)
	}
	if cols[1].MappingStatus != types.ColumnUnmapped || cols[1].ColumnIndex != 1 {
		t.Errorf("unexpected second column %+v", cols[1])
	}
}

func TestOutputPathFrom(t *testing.T) {
	data := map[string]any{
		"outputs": map[string]any{
			"normalized": map[string]any{"path": "output/normalized.json"},
		},
	}
	if got := outputPathFrom(data); got != "output/normalized.json" {
		t.Errorf("output path = %q", got)
	}
	if got := outputPathFrom(map[string]any{}); got != "" {
		t.Errorf("expected empty path, got %q", got)
	}
}

func TestEngineArgs(t *testing.T) {
	opts := types.RunOptions{
		LogLevel:            "DEBUG",
		InputSheetNames:     []string{"Sheet1", "Totals"},
		MaxFindingsPerSheet: 50,
		EngineArgs:          []string{"--strict"},
	}
	args := engineArgs("ade_engine", "/in/doc.xlsx", "/out", "/pkg", opts)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-m ade_engine process file",
		"--input /in/doc.xlsx",
		"--output-dir /out",
		"--config-package /pkg",
		"--log-format ndjson",
		"--log-level DEBUG",
		"--input-sheet Sheet1",
		"--input-sheet Totals",
		"--max-findings-per-sheet 50",
		"--strict",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestEngineArgsActiveSheetOnly(t *testing.T) {
	args := engineArgs("ade_engine", "in", "out", "pkg", types.RunOptions{ActiveSheetOnly: true})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--active-sheet-only") {
		t.Errorf("missing --active-sheet-only: %s", joined)
	}
	if strings.Contains(joined, "--input-sheet") {
		t.Errorf("unexpected --input-sheet: %s", joined)
	}
}

func TestModuleName(t *testing.T) {
	w := &Worker{cfg: config.Settings{EngineDepName: "ade-engine"}}
	if got := w.moduleName(); got != "ade_engine" {
		t.Errorf("module name = %q", got)
	}
}
