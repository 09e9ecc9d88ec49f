package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ade-io/ade/types"
)

// IdleEnvironmentCandidates returns environments eligible for garbage
// collection: configuration no longer active, status ready or failed, not
// used within ttl, and no queued or running run sharing the environment key.
// Candidate selection is advisory; DeleteEnvironment re-checks before the
// row goes.
func (s *Store) IdleEnvironmentCandidates(ctx context.Context, ttl time.Duration) ([]*types.Environment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+environmentCols+` FROM environments e
		 WHERE e.status IN ('ready', 'failed')
		   AND COALESCE(e.last_used_at, e.updated_at) < now() - $1
		   AND NOT EXISTS (
		       SELECT 1 FROM configurations c
		       WHERE c.id = e.configuration_id AND c.status = 'active')
		   AND NOT EXISTS (
		       SELECT 1 FROM runs r
		       WHERE r.workspace_id = e.workspace_id
		         AND r.configuration_id = e.configuration_id
		         AND r.engine_spec = e.engine_spec
		         AND r.deps_digest = e.deps_digest
		         AND r.status IN ('queued', 'running'))`,
		ttl)
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

// DeleteEnvironment removes an environment row, re-verifying it is still
// idle. The disk tree must already be gone; a row without a tree is merely
// stale, a tree without a row is a leak.
func (s *Store) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM environments e
		 WHERE e.id = $1
		   AND e.status IN ('ready', 'failed')
		   AND NOT EXISTS (
		       SELECT 1 FROM runs r
		       WHERE r.workspace_id = e.workspace_id
		         AND r.configuration_id = e.configuration_id
		         AND r.engine_spec = e.engine_spec
		         AND r.deps_digest = e.deps_digest
		         AND r.status IN ('queued', 'running'))`,
		id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ExpiredRunArtifacts returns terminal runs older than ttl whose working
// directories have not been purged yet. Failed and cancelled runs record no
// output path but still leave a staged input and an event log behind, so
// every terminal run is a candidate.
func (s *Store) ExpiredRunArtifacts(ctx context.Context, ttl time.Duration) ([]*types.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runCols+` FROM runs
		 WHERE status IN ('succeeded', 'failed', 'cancelled')
		   AND completed_at < now() - $1
		   AND artifacts_purged_at IS NULL`,
		ttl)
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

// ClearRunArtifacts stamps the purge and nulls the output path after the
// artifact dir is gone so the run is not revisited on the next GC pass.
func (s *Store) ClearRunArtifacts(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET output_path = NULL, artifacts_purged_at = now(), updated_at = now()
		 WHERE id = $1`, id)
	return err
}
