package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ade-io/ade/types"
)

const runCols = `id, workspace_id, configuration_id, input_document_id,
	engine_spec, deps_digest, run_options, input_sheet_names,
	status, claimed_by, claim_expires_at, available_at,
	attempt_count, max_attempts, started_at, completed_at,
	exit_code, output_path, error_message, created_at, updated_at`

func scanRun(row pgx.Row) (*types.Run, error) {
	var r types.Run
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.ConfigurationID, &r.InputDocumentID,
		&r.EngineSpec, &r.DepsDigest, &r.RunOptions, &r.InputSheetNames,
		&r.Status, &r.ClaimedBy, &r.ClaimExpiresAt, &r.AvailableAt,
		&r.AttemptCount, &r.MaxAttempts, &r.StartedAt, &r.CompletedAt,
		&r.ExitCode, &r.OutputPath, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// NewRun is the insert payload for CreateRun.
type NewRun struct {
	WorkspaceID     uuid.UUID
	ConfigurationID uuid.UUID
	InputDocumentID uuid.UUID
	EngineSpec      string
	DepsDigest      string
	RunOptions      json.RawMessage
	InputSheetNames json.RawMessage
	MaxAttempts     int
}

// CreateRun enqueues a run. The insert trigger notifies ade_run_queued so
// idle workers wake without waiting out the poll interval.
func (s *Store) CreateRun(ctx context.Context, n NewRun) (*types.Run, error) {
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 3
	}
	return scanRun(s.pool.QueryRow(ctx,
		`INSERT INTO runs (workspace_id, configuration_id, input_document_id,
		                   engine_spec, deps_digest, run_options, input_sheet_names, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+runCols,
		n.WorkspaceID, n.ConfigurationID, n.InputDocumentID,
		n.EngineSpec, n.DepsDigest, n.RunOptions, n.InputSheetNames, n.MaxAttempts))
}

// GetRun fetches one run scoped to its workspace.
func (s *Store) GetRun(ctx context.Context, workspaceID, id uuid.UUID) (*types.Run, error) {
	return scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM runs WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id))
}

// ListRuns returns a workspace's runs, optionally filtered by status,
// newest first.
func (s *Store) ListRuns(ctx context.Context, workspaceID uuid.UUID, status types.RunStatus, limit int) ([]*types.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + runCols + ` FROM runs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimRuns atomically claims up to limit eligible runs for one worker:
// queued, available, with attempts remaining, oldest first, skip-locked so
// concurrent claimers interleave instead of colliding. Each claimed row has
// its attempt counted and started_at stamped on first claim.
func (s *Store) ClaimRuns(ctx context.Context, workerID string, lease time.Duration, limit int) ([]*types.Run, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE runs SET
		     status = 'running', claimed_by = $1, claim_expires_at = now() + $2,
		     attempt_count = attempt_count + 1,
		     started_at = COALESCE(started_at, now()),
		     updated_at = now()
		 WHERE id IN (
		     SELECT id FROM runs
		     WHERE status = 'queued' AND available_at <= now() AND attempt_count < max_attempts
		     ORDER BY available_at, created_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+runCols,
		workerID, lease, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HeartbeatRun extends the claim lease; guarded on the claimant.
func (s *Store) HeartbeatRun(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET claim_expires_at = now() + $3, updated_at = now()
		 WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		id, workerID, lease)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// AckRunSuccess finishes a run. Guarded on the claimant so a recovered
// worker cannot overwrite a retried run.
func (s *Store) AckRunSuccess(ctx context.Context, id uuid.UUID, workerID, outputPath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'succeeded', claimed_by = NULL, claim_expires_at = NULL,
		     completed_at = now(), exit_code = 0, output_path = $3,
		     error_message = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		id, workerID, outputPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// AckRunFailureRetry requeues a failed attempt. The attempt was already
// counted on claim; only availability moves, to retryAt.
func (s *Store) AckRunFailureRetry(ctx context.Context, id uuid.UUID, workerID string, retryAt time.Time, exitCode *int, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'queued', claimed_by = NULL, claim_expires_at = NULL,
		     available_at = $3, exit_code = $4, error_message = $5, updated_at = now()
		 WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		id, workerID, retryAt, exitCode, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// AckRunFailureTerminal records a final failure.
func (s *Store) AckRunFailureTerminal(ctx context.Context, id uuid.UUID, workerID string, exitCode *int, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'failed', claimed_by = NULL, claim_expires_at = NULL,
		     completed_at = now(), exit_code = $3, error_message = $4, updated_at = now()
		 WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		id, workerID, exitCode, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// ReleaseRunForEnvironment puts a claimed run back without consuming an
// attempt: its environment is not ready yet. A small delay avoids a tight
// reclaim loop while the build proceeds.
func (s *Store) ReleaseRunForEnvironment(ctx context.Context, id uuid.UUID, workerID string, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'queued', claimed_by = NULL, claim_expires_at = NULL,
		     available_at = now() + $3,
		     attempt_count = GREATEST(attempt_count - 1, 0),
		     updated_at = now()
		 WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		id, workerID, delay)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// ExpireStuckRuns handles abandoned leases in two bulk updates: runs with
// attempts remaining are requeued with backoff, runs at max attempts fail
// terminally. Both set error_message='lease expired' so users can tell
// crash-retry from engine-error-retry.
func (s *Store) ExpireStuckRuns(ctx context.Context, backoff func(attempt int) time.Duration) (requeued, failed int, err error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, attempt_count FROM runs
		 WHERE status = 'running' AND claim_expires_at < now() AND attempt_count < max_attempts
		 FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, 0, err
	}
	type stuck struct {
		id      uuid.UUID
		attempt int
	}
	var retryable []stuck
	for rows.Next() {
		var row stuck
		if err := rows.Scan(&row.id, &row.attempt); err != nil {
			rows.Close()
			return 0, 0, err
		}
		retryable = append(retryable, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, row := range retryable {
		tag, err := s.pool.Exec(ctx,
			`UPDATE runs
			 SET status = 'queued', claimed_by = NULL, claim_expires_at = NULL,
			     available_at = now() + $2, error_message = 'lease expired', updated_at = now()
			 WHERE id = $1 AND status = 'running' AND claim_expires_at < now()`,
			row.id, backoff(row.attempt))
		if err != nil {
			return requeued, failed, err
		}
		requeued += int(tag.RowsAffected())
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'failed', claimed_by = NULL, claim_expires_at = NULL,
		     completed_at = now(), error_message = 'lease expired', updated_at = now()
		 WHERE status = 'running' AND claim_expires_at < now() AND attempt_count >= max_attempts`)
	if err != nil {
		return requeued, failed, err
	}
	return requeued, int(tag.RowsAffected()), nil
}

// CancelQueuedRun cancels a run that has not been claimed yet. Running and
// terminal runs are not cancellable; callers get ErrInvalidTransition.
func (s *Store) CancelQueuedRun(ctx context.Context, workspaceID, id uuid.UUID) (*types.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = 'cancelled', completed_at = now(), updated_at = now()
		 WHERE workspace_id = $1 AND id = $2 AND status = 'queued'
		 RETURNING `+runCols,
		workspaceID, id))
	if err == ErrNotFound {
		if _, getErr := s.GetRun(ctx, workspaceID, id); getErr == nil {
			return nil, ErrInvalidTransition
		}
	}
	return r, err
}

// QueueDepths reports per-status row counts for both queues.
func (s *Store) QueueDepths(ctx context.Context) (runs, envs map[string]int, err error) {
	runs, err = countByStatus(ctx, s, "runs")
	if err != nil {
		return nil, nil, err
	}
	envs, err = countByStatus(ctx, s, "environments")
	if err != nil {
		return nil, nil, err
	}
	return runs, envs, nil
}

func countByStatus(ctx context.Context, s *Store, table string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
