package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/ade-io/ade/types"
)

// ReplaceRunResults swaps the derived result tables (metrics, fields,
// columns) for one run as a unit inside a savepoint: either the whole
// projection lands or none of it does, and a retried attempt never leaves a
// mix of old and new rows behind.
func (s *Store) ReplaceRunResults(ctx context.Context, runID uuid.UUID, results types.RunResults) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Savepoint so a partial write rolls back to a clean slate without
	// aborting an enclosing transaction when one is added later.
	if _, err := tx.Exec(ctx, `SAVEPOINT replace_run_results`); err != nil {
		return err
	}

	for _, table := range []string{"run_metrics", "run_fields", "run_table_columns"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE run_id = $1`, runID); err != nil {
			return err
		}
	}

	if m := results.Metrics; m != nil && !m.Empty() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_metrics (run_id, evaluation_outcome,
			     findings_total, findings_info, findings_warning, findings_error,
			     validation_issues_total, validation_issues_info, validation_issues_warning, validation_issues_error,
			     workbook_count, sheet_count, table_count,
			     rows_total, rows_empty,
			     columns_total, columns_empty, columns_mapped, columns_unmapped,
			     fields_expected, fields_detected, fields_not_detected,
			     cells_total, cells_non_empty)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			         $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
			runID, m.EvaluationOutcome,
			m.FindingsTotal, m.FindingsInfo, m.FindingsWarning, m.FindingsError,
			m.ValidationIssuesTotal, m.ValidationIssuesInfo, m.ValidationIssuesWarning, m.ValidationIssuesError,
			m.WorkbookCount, m.SheetCount, m.TableCount,
			m.RowsTotal, m.RowsEmpty,
			m.ColumnsTotal, m.ColumnsEmpty, m.ColumnsMapped, m.ColumnsUnmapped,
			m.FieldsExpected, m.FieldsDetected, m.FieldsNotDetected,
			m.CellsTotal, m.CellsNonEmpty); err != nil {
			return err
		}
	}

	for _, f := range results.Fields {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_fields (run_id, field, label, detected,
			     best_mapping_score, occurrences_tables, occurrences_columns)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			runID, f.Field, f.Label, f.Detected,
			f.BestMappingScore, f.OccurrencesTables, f.OccurrencesColumns); err != nil {
			return err
		}
	}

	for _, c := range results.Columns {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_table_columns (run_id, workbook_index, sheet_index, table_index, column_index,
			     header_raw, header_normalized, non_empty_cells,
			     mapping_status, mapped_field, mapping_score, mapping_method, unmapped_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			runID, c.WorkbookIndex, c.SheetIndex, c.TableIndex, c.ColumnIndex,
			c.HeaderRaw, c.HeaderNormalized, c.NonEmptyCells,
			c.MappingStatus, c.MappedField, c.MappingScore, c.MappingMethod, c.UnmappedReason); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `RELEASE SAVEPOINT replace_run_results`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetRunResults loads the derived projection for a run. A run without
// persisted metrics returns an empty bundle, not an error.
func (s *Store) GetRunResults(ctx context.Context, runID uuid.UUID) (*types.RunResults, error) {
	var out types.RunResults

	var m types.RunMetrics
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, evaluation_outcome,
		     findings_total, findings_info, findings_warning, findings_error,
		     validation_issues_total, validation_issues_info, validation_issues_warning, validation_issues_error,
		     workbook_count, sheet_count, table_count,
		     rows_total, rows_empty,
		     columns_total, columns_empty, columns_mapped, columns_unmapped,
		     fields_expected, fields_detected, fields_not_detected,
		     cells_total, cells_non_empty, created_at
		 FROM run_metrics WHERE run_id = $1`, runID).
		Scan(&m.RunID, &m.EvaluationOutcome,
			&m.FindingsTotal, &m.FindingsInfo, &m.FindingsWarning, &m.FindingsError,
			&m.ValidationIssuesTotal, &m.ValidationIssuesInfo, &m.ValidationIssuesWarning, &m.ValidationIssuesError,
			&m.WorkbookCount, &m.SheetCount, &m.TableCount,
			&m.RowsTotal, &m.RowsEmpty,
			&m.ColumnsTotal, &m.ColumnsEmpty, &m.ColumnsMapped, &m.ColumnsUnmapped,
			&m.FieldsExpected, &m.FieldsDetected, &m.FieldsNotDetected,
			&m.CellsTotal, &m.CellsNonEmpty, &m.CreatedAt)
	switch notFound(err) {
	case nil:
		out.Metrics = &m
	case ErrNotFound:
	default:
		return nil, err
	}

	fieldRows, err := s.pool.Query(ctx,
		`SELECT run_id, field, label, detected, best_mapping_score, occurrences_tables, occurrences_columns
		 FROM run_fields WHERE run_id = $1 ORDER BY field`, runID)
	if err != nil {
		return nil, err
	}
	for fieldRows.Next() {
		var f types.RunField
		if err := fieldRows.Scan(&f.RunID, &f.Field, &f.Label, &f.Detected,
			&f.BestMappingScore, &f.OccurrencesTables, &f.OccurrencesColumns); err != nil {
			fieldRows.Close()
			return nil, err
		}
		out.Fields = append(out.Fields, f)
	}
	fieldRows.Close()
	if err := fieldRows.Err(); err != nil {
		return nil, err
	}

	colRows, err := s.pool.Query(ctx,
		`SELECT run_id, workbook_index, sheet_index, table_index, column_index,
		     header_raw, header_normalized, non_empty_cells,
		     mapping_status, mapped_field, mapping_score, mapping_method, unmapped_reason
		 FROM run_table_columns WHERE run_id = $1
		 ORDER BY workbook_index, sheet_index, table_index, column_index`, runID)
	if err != nil {
		return nil, err
	}
	defer colRows.Close()
	for colRows.Next() {
		var c types.RunTableColumn
		if err := colRows.Scan(&c.RunID, &c.WorkbookIndex, &c.SheetIndex, &c.TableIndex, &c.ColumnIndex,
			&c.HeaderRaw, &c.HeaderNormalized, &c.NonEmptyCells,
			&c.MappingStatus, &c.MappedField, &c.MappingScore, &c.MappingMethod, &c.UnmappedReason); err != nil {
			return nil, err
		}
		out.Columns = append(out.Columns, c)
	}
	return &out, colRows.Err()
}
