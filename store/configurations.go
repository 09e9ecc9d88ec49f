package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ade-io/ade/types"
)

const configurationCols = `id, workspace_id, display_name, status, source_kind,
	source_configuration_id, notes, published_digest, created_at, updated_at, activated_at`

func scanConfiguration(row pgx.Row) (*types.Configuration, error) {
	var c types.Configuration
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.DisplayName, &c.Status, &c.SourceKind,
		&c.SourceConfigurationID, &c.Notes, &c.PublishedDigest,
		&c.CreatedAt, &c.UpdatedAt, &c.ActivatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// NewConfiguration is the insert payload for CreateConfiguration.
type NewConfiguration struct {
	WorkspaceID           uuid.UUID
	DisplayName           string
	SourceKind            types.SourceKind
	SourceConfigurationID *uuid.UUID
	Notes                 string
}

// CreateConfiguration inserts a draft configuration row. The package dir is
// materialized separately; the row exists first so a failed materialization
// can be surfaced against it.
func (s *Store) CreateConfiguration(ctx context.Context, n NewConfiguration) (*types.Configuration, error) {
	return scanConfiguration(s.pool.QueryRow(ctx,
		`INSERT INTO configurations (workspace_id, display_name, source_kind, source_configuration_id, notes)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+configurationCols,
		n.WorkspaceID, n.DisplayName, n.SourceKind, n.SourceConfigurationID, n.Notes))
}

// GetConfiguration fetches one configuration scoped to its workspace.
func (s *Store) GetConfiguration(ctx context.Context, workspaceID, id uuid.UUID) (*types.Configuration, error) {
	return scanConfiguration(s.pool.QueryRow(ctx,
		`SELECT `+configurationCols+` FROM configurations WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id))
}

// ListConfigurations returns a workspace's configurations, optionally
// filtered by status, newest first.
func (s *Store) ListConfigurations(ctx context.Context, workspaceID uuid.UUID, status types.ConfigurationStatus) ([]*types.Configuration, error) {
	q := `SELECT ` + configurationCols + ` FROM configurations WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveConfiguration returns the workspace's single active configuration.
func (s *Store) ActiveConfiguration(ctx context.Context, workspaceID uuid.UUID) (*types.Configuration, error) {
	return scanConfiguration(s.pool.QueryRow(ctx,
		`SELECT `+configurationCols+` FROM configurations
		 WHERE workspace_id = $1 AND status = 'active'`, workspaceID))
}

// UpdateConfigurationMeta updates the mutable metadata of a configuration.
func (s *Store) UpdateConfigurationMeta(ctx context.Context, workspaceID, id uuid.UUID, displayName, notes string) (*types.Configuration, error) {
	return scanConfiguration(s.pool.QueryRow(ctx,
		`UPDATE configurations SET display_name = $3, notes = $4, updated_at = now()
		 WHERE workspace_id = $1 AND id = $2 RETURNING `+configurationCols,
		workspaceID, id, displayName, notes))
}

// ActivateExclusive publishes a draft: in one transaction the current active
// configuration (if any) is archived and the draft becomes active with its
// published content digest. Only drafts can be activated.
func (s *Store) ActivateExclusive(ctx context.Context, workspaceID, id uuid.UUID, contentDigest string) (*types.Configuration, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE configurations SET status = 'archived', updated_at = now()
		 WHERE workspace_id = $1 AND status = 'active' AND id <> $2`,
		workspaceID, id); err != nil {
		return nil, err
	}

	c, err := scanConfiguration(tx.QueryRow(ctx,
		`UPDATE configurations
		 SET status = 'active', published_digest = $3, activated_at = now(), updated_at = now()
		 WHERE workspace_id = $1 AND id = $2 AND status = 'draft'
		 RETURNING `+configurationCols,
		workspaceID, id, contentDigest))
	if err != nil {
		if err == ErrNotFound {
			// Distinguish a missing row from a non-draft one.
			if _, getErr := s.GetConfiguration(ctx, workspaceID, id); getErr == nil {
				return nil, fmt.Errorf("configuration is not a draft: %w", ErrInvalidTransition)
			}
		}
		return nil, err
	}
	return c, tx.Commit(ctx)
}

// ArchiveConfiguration retires a configuration. Archived is terminal.
func (s *Store) ArchiveConfiguration(ctx context.Context, workspaceID, id uuid.UUID) (*types.Configuration, error) {
	c, err := scanConfiguration(s.pool.QueryRow(ctx,
		`UPDATE configurations SET status = 'archived', updated_at = now()
		 WHERE workspace_id = $1 AND id = $2 AND status <> 'archived'
		 RETURNING `+configurationCols,
		workspaceID, id))
	if err == ErrNotFound {
		if _, getErr := s.GetConfiguration(ctx, workspaceID, id); getErr == nil {
			return nil, fmt.Errorf("already archived: %w", ErrInvalidTransition)
		}
	}
	return c, err
}

// ConfigurationHasActiveRuns reports whether any run for the configuration
// is queued or running. Archiving is refused while work is in flight.
func (s *Store) ConfigurationHasActiveRuns(ctx context.Context, workspaceID, id uuid.UUID) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM runs
		 WHERE workspace_id = $1 AND configuration_id = $2 AND status IN ('queued', 'running')`,
		workspaceID, id).Scan(&n)
	return n > 0, err
}

// DeleteConfiguration removes a draft configuration row. Non-drafts are
// archived instead, never deleted.
func (s *Store) DeleteConfiguration(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM configurations WHERE workspace_id = $1 AND id = $2 AND status = 'draft'`,
		workspaceID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetConfiguration(ctx, workspaceID, id); getErr == nil {
			return fmt.Errorf("only drafts may be deleted: %w", ErrInvalidTransition)
		}
		return ErrNotFound
	}
	return nil
}
