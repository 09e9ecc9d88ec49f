package worker

import (
	"github.com/google/uuid"

	"github.com/ade-io/ade/types"
)

// parseRunResults derives the metrics, fields, and table-column projections
// from the engine.run.completed payload. Parsing is defensive throughout:
// a missing or malformed scalar skips the row, never the run.
func parseRunResults(runID uuid.UUID, data map[string]any) types.RunResults {
	var out types.RunResults
	out.Metrics = parseMetrics(runID, data)
	out.Fields = parseFields(runID, data)
	out.Columns = parseColumns(runID, data)
	return out
}

// outputPathFrom extracts outputs.normalized.path from the result payload.
func outputPathFrom(data map[string]any) string {
	outputs, _ := data["outputs"].(map[string]any)
	normalized, _ := outputs["normalized"].(map[string]any)
	path, _ := normalized["path"].(string)
	return path
}

func parseMetrics(runID uuid.UUID, data map[string]any) *types.RunMetrics {
	m := &types.RunMetrics{RunID: runID}

	if s, ok := data["evaluation_outcome"].(string); ok && s != "" {
		m.EvaluationOutcome = &s
	} else if eval, ok := data["evaluation"].(map[string]any); ok {
		if s, ok := eval["outcome"].(string); ok && s != "" {
			m.EvaluationOutcome = &s
		}
	}

	if findings, ok := data["findings"].(map[string]any); ok {
		m.FindingsTotal = intField(findings, "total")
		if bySev, ok := findings["by_severity"].(map[string]any); ok {
			m.FindingsInfo = intField(bySev, "info")
			m.FindingsWarning = intField(bySev, "warning")
			m.FindingsError = intField(bySev, "error")
		}
	}
	if issues, ok := data["validation_issues"].(map[string]any); ok {
		m.ValidationIssuesTotal = intField(issues, "total")
		if bySev, ok := issues["by_severity"].(map[string]any); ok {
			m.ValidationIssuesInfo = intField(bySev, "info")
			m.ValidationIssuesWarning = intField(bySev, "warning")
			m.ValidationIssuesError = intField(bySev, "error")
		}
	}
	if counts, ok := data["counts"].(map[string]any); ok {
		m.WorkbookCount = intField(counts, "workbooks")
		m.SheetCount = intField(counts, "sheets")
		m.TableCount = intField(counts, "tables")
	}
	if rows, ok := data["rows"].(map[string]any); ok {
		m.RowsTotal = intField(rows, "total")
		m.RowsEmpty = intField(rows, "empty")
	}
	if cols, ok := data["columns"].(map[string]any); ok {
		m.ColumnsTotal = intField(cols, "total")
		m.ColumnsEmpty = intField(cols, "empty")
		m.ColumnsMapped = intField(cols, "mapped")
		m.ColumnsUnmapped = intField(cols, "unmapped")
	}
	if fields, ok := data["field_counts"].(map[string]any); ok {
		m.FieldsExpected = intField(fields, "expected")
		m.FieldsDetected = intField(fields, "detected")
		m.FieldsNotDetected = intField(fields, "not_detected")
	}
	if cells, ok := data["cells"].(map[string]any); ok {
		m.CellsTotal = intField(cells, "total")
		m.CellsNonEmpty = intField(cells, "non_empty")
	}

	// A metrics row with nothing in it is not persisted.
	if m.Empty() {
		return nil
	}
	return m
}

func parseFields(runID uuid.UUID, data map[string]any) []types.RunField {
	raw, ok := data["fields"].([]any)
	if !ok {
		return nil
	}
	var out []types.RunField
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, ok := obj["field"].(string)
		if !ok || name == "" {
			continue
		}
		detected, ok := obj["detected"].(bool)
		if !ok {
			continue
		}
		f := types.RunField{
			RunID:              runID,
			Field:              name,
			Detected:           detected,
			Label:              strField(obj, "label"),
			BestMappingScore:   floatField(obj, "best_mapping_score"),
			OccurrencesTables:  intField(obj, "occurrences_tables"),
			OccurrencesColumns: intField(obj, "occurrences_columns"),
		}
		out = append(out, f)
	}
	return out
}

func parseColumns(runID uuid.UUID, data map[string]any) []types.RunTableColumn {
	workbooks, ok := data["workbooks"].([]any)
	if !ok {
		return nil
	}
	var out []types.RunTableColumn
	for wi, wb := range workbooks {
		wbObj, ok := wb.(map[string]any)
		if !ok {
			continue
		}
		sheets, _ := wbObj["sheets"].([]any)
		for si, sh := range sheets {
			shObj, ok := sh.(map[string]any)
			if !ok {
				continue
			}
			tables, _ := shObj["tables"].([]any)
			for ti, tb := range tables {
				tbObj, ok := tb.(map[string]any)
				if !ok {
					continue
				}
				structure, _ := tbObj["structure"].(map[string]any)
				columns, _ := structure["columns"].([]any)
				for ci, col := range columns {
					colObj, ok := col.(map[string]any)
					if !ok {
						continue
					}
					status, _ := colObj["mapping_status"].(string)
					if status != string(types.ColumnMapped) && status != string(types.ColumnUnmapped) {
						continue
					}
					out = append(out, types.RunTableColumn{
						RunID:            runID,
						WorkbookIndex:    wi,
						SheetIndex:       si,
						TableIndex:       ti,
						ColumnIndex:      ci,
						HeaderRaw:        strField(colObj, "header_raw"),
						HeaderNormalized: strField(colObj, "header_normalized"),
						NonEmptyCells:    intField(colObj, "non_empty_cells"),
						MappingStatus:    types.ColumnMappingStatus(status),
						MappedField:      strField(colObj, "mapped_field"),
						MappingScore:     floatField(colObj, "mapping_score"),
						MappingMethod:    strField(colObj, "mapping_method"),
						UnmappedReason:   strField(colObj, "unmapped_reason"),
					})
				}
			}
		}
	}
	return out
}

// JSON numbers decode as float64; only whole values count as ints.
func intField(obj map[string]any, key string) *int {
	f, ok := obj[key].(float64)
	if !ok || f != float64(int(f)) {
		return nil
	}
	n := int(f)
	return &n
}

func floatField(obj map[string]any, key string) *float64 {
	f, ok := obj[key].(float64)
	if !ok {
		return nil
	}
	return &f
}

func strField(obj map[string]any, key string) *string {
	s, ok := obj[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
