package types

import (
	"time"

	"github.com/google/uuid"
)

// RunMetrics is the structured projection of the engine's final
// engine.run.completed event. Keyed by run and replaced as a unit on success.
type RunMetrics struct {
	RunID uuid.UUID `json:"run_id"`

	EvaluationOutcome *string `json:"evaluation_outcome,omitempty"`

	FindingsTotal   *int `json:"findings_total,omitempty"`
	FindingsInfo    *int `json:"findings_info,omitempty"`
	FindingsWarning *int `json:"findings_warning,omitempty"`
	FindingsError   *int `json:"findings_error,omitempty"`

	ValidationIssuesTotal   *int `json:"validation_issues_total,omitempty"`
	ValidationIssuesInfo    *int `json:"validation_issues_info,omitempty"`
	ValidationIssuesWarning *int `json:"validation_issues_warning,omitempty"`
	ValidationIssuesError   *int `json:"validation_issues_error,omitempty"`

	WorkbookCount *int `json:"workbook_count,omitempty"`
	SheetCount    *int `json:"sheet_count,omitempty"`
	TableCount    *int `json:"table_count,omitempty"`

	RowsTotal *int `json:"rows_total,omitempty"`
	RowsEmpty *int `json:"rows_empty,omitempty"`

	ColumnsTotal    *int `json:"columns_total,omitempty"`
	ColumnsEmpty    *int `json:"columns_empty,omitempty"`
	ColumnsMapped   *int `json:"columns_mapped,omitempty"`
	ColumnsUnmapped *int `json:"columns_unmapped,omitempty"`

	FieldsExpected    *int `json:"fields_expected,omitempty"`
	FieldsDetected    *int `json:"fields_detected,omitempty"`
	FieldsNotDetected *int `json:"fields_not_detected,omitempty"`

	CellsTotal    *int `json:"cells_total,omitempty"`
	CellsNonEmpty *int `json:"cells_non_empty,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Empty reports whether no metric value is populated. An empty metrics row
// is not persisted.
func (m *RunMetrics) Empty() bool {
	for _, p := range []*int{
		m.FindingsTotal, m.FindingsInfo, m.FindingsWarning, m.FindingsError,
		m.ValidationIssuesTotal, m.ValidationIssuesInfo, m.ValidationIssuesWarning, m.ValidationIssuesError,
		m.WorkbookCount, m.SheetCount, m.TableCount,
		m.RowsTotal, m.RowsEmpty,
		m.ColumnsTotal, m.ColumnsEmpty, m.ColumnsMapped, m.ColumnsUnmapped,
		m.FieldsExpected, m.FieldsDetected, m.FieldsNotDetected,
		m.CellsTotal, m.CellsNonEmpty,
	} {
		if p != nil {
			return false
		}
	}
	return m.EvaluationOutcome == nil
}

// RunField is one row per declared extraction field.
type RunField struct {
	RunID              uuid.UUID `json:"run_id"`
	Field              string    `json:"field"`
	Label              *string   `json:"label,omitempty"`
	Detected           bool      `json:"detected"`
	BestMappingScore   *float64  `json:"best_mapping_score,omitempty"`
	OccurrencesTables  *int      `json:"occurrences_tables,omitempty"`
	OccurrencesColumns *int      `json:"occurrences_columns,omitempty"`
}

// ColumnMappingStatus classifies a discovered table column.
type ColumnMappingStatus string

const (
	ColumnMapped   ColumnMappingStatus = "mapped"
	ColumnUnmapped ColumnMappingStatus = "unmapped"
)

// RunTableColumn is one row per column discovered under
// workbooks[i].sheets[j].tables[k].structure.columns[l].
type RunTableColumn struct {
	RunID            uuid.UUID           `json:"run_id"`
	WorkbookIndex    int                 `json:"workbook_index"`
	SheetIndex       int                 `json:"sheet_index"`
	TableIndex       int                 `json:"table_index"`
	ColumnIndex      int                 `json:"column_index"`
	HeaderRaw        *string             `json:"header_raw,omitempty"`
	HeaderNormalized *string             `json:"header_normalized,omitempty"`
	NonEmptyCells    *int                `json:"non_empty_cells,omitempty"`
	MappingStatus    ColumnMappingStatus `json:"mapping_status"`
	MappedField      *string             `json:"mapped_field,omitempty"`
	MappingScore     *float64            `json:"mapping_score,omitempty"`
	MappingMethod    *string             `json:"mapping_method,omitempty"`
	UnmappedReason   *string             `json:"unmapped_reason,omitempty"`
}

// RunResults bundles the three derived projections replaced as a unit when a
// run succeeds.
type RunResults struct {
	Metrics *RunMetrics
	Fields  []RunField
	Columns []RunTableColumn
}
