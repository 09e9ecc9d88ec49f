package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ade-io/ade/types"
)

const environmentCols = `id, workspace_id, configuration_id, engine_spec, deps_digest,
	status, claimed_by, claim_expires_at, error_message,
	python_version, python_interpreter, engine_version,
	last_used_at, created_at, updated_at`

func scanEnvironment(row pgx.Row) (*types.Environment, error) {
	var e types.Environment
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.ConfigurationID, &e.EngineSpec, &e.DepsDigest,
		&e.Status, &e.ClaimedBy, &e.ClaimExpiresAt, &e.ErrorMessage,
		&e.PythonVersion, &e.PythonInterpreter, &e.EngineVersion,
		&e.LastUsedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// GetEnvironment fetches one environment by id.
func (s *Store) GetEnvironment(ctx context.Context, id uuid.UUID) (*types.Environment, error) {
	return scanEnvironment(s.pool.QueryRow(ctx,
		`SELECT `+environmentCols+` FROM environments WHERE id = $1`, id))
}

// FindEnvironment looks up the environment row for a key regardless of
// status.
func (s *Store) FindEnvironment(ctx context.Context, key types.EnvironmentKey) (*types.Environment, error) {
	return scanEnvironment(s.pool.QueryRow(ctx,
		`SELECT `+environmentCols+` FROM environments
		 WHERE workspace_id = $1 AND configuration_id = $2 AND engine_spec = $3 AND deps_digest = $4`,
		key.WorkspaceID, key.ConfigurationID, key.EngineSpec, key.DepsDigest))
}

// FindReadyEnvironment resolves a key to its ready environment, or
// ErrNotFound when none is ready yet.
func (s *Store) FindReadyEnvironment(ctx context.Context, key types.EnvironmentKey) (*types.Environment, error) {
	return scanEnvironment(s.pool.QueryRow(ctx,
		`SELECT `+environmentCols+` FROM environments
		 WHERE workspace_id = $1 AND configuration_id = $2 AND engine_spec = $3 AND deps_digest = $4
		   AND status = 'ready'`,
		key.WorkspaceID, key.ConfigurationID, key.EngineSpec, key.DepsDigest))
}

// EnsureEnvironmentsForQueuedRuns upserts a queued environment row for every
// queued run whose key has no environment yet. Idempotent; the unique key
// constraint makes concurrent callers converge on one row.
func (s *Store) EnsureEnvironmentsForQueuedRuns(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO environments (workspace_id, configuration_id, engine_spec, deps_digest)
		 SELECT DISTINCT r.workspace_id, r.configuration_id, r.engine_spec, r.deps_digest
		 FROM runs r
		 WHERE r.status = 'queued'
		 ON CONFLICT (workspace_id, configuration_id, engine_spec, deps_digest) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClaimEnvironment atomically moves an environment to building for one
// worker. Claimable states: queued, failed (a new run forces a rebuild), or
// building with an expired lease. Returns ErrLostClaim when another worker
// holds it.
func (s *Store) ClaimEnvironment(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*types.Environment, error) {
	e, err := scanEnvironment(s.pool.QueryRow(ctx,
		`UPDATE environments
		 SET status = 'building', claimed_by = $2, claim_expires_at = now() + $3,
		     error_message = NULL, updated_at = now()
		 WHERE id = $1
		   AND (status IN ('queued', 'failed')
		        OR (status = 'building' AND claim_expires_at < now()))
		 RETURNING `+environmentCols,
		id, workerID, lease))
	if err == ErrNotFound {
		return nil, ErrLostClaim
	}
	return e, err
}

// NextQueuedEnvironment picks one claimable environment id, skip-locked so
// concurrent workers never collide. A failed environment becomes claimable
// again the moment a queued run shares its key: the new run forces a
// rebuild instead of waiting on a row nothing will ever touch.
func (s *Store) NextQueuedEnvironment(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT e.id FROM environments e
		 WHERE e.status = 'queued'
		    OR (e.status = 'building' AND e.claim_expires_at < now())
		    OR (e.status = 'failed' AND EXISTS (
		        SELECT 1 FROM runs r
		        WHERE r.status = 'queued'
		          AND r.workspace_id = e.workspace_id
		          AND r.configuration_id = e.configuration_id
		          AND r.engine_spec = e.engine_spec
		          AND r.deps_digest = e.deps_digest))
		 ORDER BY e.created_at
		 LIMIT 1
		 FOR UPDATE OF e SKIP LOCKED`).Scan(&id)
	if err != nil {
		return uuid.Nil, notFound(err)
	}
	return id, nil
}

// HeartbeatEnvironment extends the claim lease; guarded on the claimant.
func (s *Store) HeartbeatEnvironment(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments SET claim_expires_at = now() + $3, updated_at = now()
		 WHERE id = $1 AND status = 'building' AND claimed_by = $2`,
		id, workerID, lease)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// EnvironmentBuildInfo is the metadata recorded on a successful build.
type EnvironmentBuildInfo struct {
	PythonInterpreter string
	PythonVersion     string
	EngineVersion     string
}

// AckEnvironmentSuccess marks a build ready and records interpreter
// metadata. Guarded on the claimant; a stale worker gets ErrLostClaim and
// must not touch the filesystem further.
func (s *Store) AckEnvironmentSuccess(ctx context.Context, id uuid.UUID, workerID string, info EnvironmentBuildInfo) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments
		 SET status = 'ready', claimed_by = NULL, claim_expires_at = NULL,
		     error_message = NULL,
		     python_interpreter = $3, python_version = $4, engine_version = $5,
		     last_used_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'building' AND claimed_by = $2`,
		id, workerID, info.PythonInterpreter, info.PythonVersion, info.EngineVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// AckEnvironmentFailure marks a build failed with its error. Environments
// have no automatic retry; a failed row stays failed until a new run claims
// it for rebuild.
func (s *Store) AckEnvironmentFailure(ctx context.Context, id uuid.UUID, workerID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments
		 SET status = 'failed', claimed_by = NULL, claim_expires_at = NULL,
		     error_message = $3,
		     python_interpreter = NULL, python_version = NULL, engine_version = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status = 'building' AND claimed_by = $2`,
		id, workerID, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

// ExpireStuckEnvironments returns builds with expired leases to queued so
// any worker can pick them up again.
func (s *Store) ExpireStuckEnvironments(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments
		 SET status = 'queued', claimed_by = NULL, claim_expires_at = NULL,
		     error_message = 'lease expired', updated_at = now()
		 WHERE status = 'building' AND claim_expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// TouchEnvironmentLastUsed stamps last_used_at so GC never deletes an
// environment a run is about to use.
func (s *Store) TouchEnvironmentLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE environments SET last_used_at = now(), updated_at = now() WHERE id = $1`, id)
	return err
}

// RequeueEnvironmentForRebuild returns a ready environment to queued, used
// when its venv vanished from disk.
func (s *Store) RequeueEnvironmentForRebuild(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments
		 SET status = 'queued', claimed_by = NULL, claim_expires_at = NULL,
		     python_interpreter = NULL, python_version = NULL, engine_version = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status IN ('ready', 'failed')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ListEnvironments returns a workspace's environments, newest first.
func (s *Store) ListEnvironments(ctx context.Context, workspaceID uuid.UUID) ([]*types.Environment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+environmentCols+` FROM environments
		 WHERE workspace_id = $1 ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
