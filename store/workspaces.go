package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ade-io/ade/types"
)

const workspaceCols = "id, name, slug, created_at, updated_at"

func scanWorkspace(row pgx.Row) (*types.Workspace, error) {
	var w types.Workspace
	err := row.Scan(&w.ID, &w.Name, &w.Slug, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CreateWorkspace inserts a workspace; a duplicate slug is ErrConflict.
func (s *Store) CreateWorkspace(ctx context.Context, name, slug string) (*types.Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO workspaces (name, slug) VALUES ($1, $2) RETURNING `+workspaceCols,
		name, slug)
	w, err := scanWorkspace(row)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("workspace slug %q: %w", slug, ErrConflict)
	}
	return w, err
}

// GetWorkspace fetches one workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*types.Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id))
}

// GetWorkspaceBySlug fetches one workspace by its slug.
func (s *Store) GetWorkspaceBySlug(ctx context.Context, slug string) (*types.Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE slug = $1`, slug))
}

// ListWorkspaces returns all workspaces ordered by creation time.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceCols+` FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace; the schema cascades to everything it
// owns. Filesystem and blob cleanup is the caller's responsibility.
func (s *Store) DeleteWorkspace(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser inserts a user; a duplicate email is ErrConflict.
func (s *Store) CreateUser(ctx context.Context, email, displayName string, isAdmin bool) (*types.User, error) {
	var u types.User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, display_name, is_admin) VALUES ($1, $2, $3)
		 RETURNING id, email, display_name, is_admin, created_at`,
		email, displayName, isAdmin).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsAdmin, &u.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user %q: %w", email, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches one user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var u types.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, display_name, is_admin, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateAPIKey stores a machine credential. Only the sha256 hex of the
// secret is persisted; the plaintext never reaches the database.
func (s *Store) CreateAPIKey(ctx context.Context, userID uuid.UUID, name, secretHash string) (*types.APIKey, error) {
	var k types.APIKey
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (user_id, name, secret_hash) VALUES ($1, $2, $3)
		 RETURNING id, user_id, name, secret_hash, last_used_at, created_at, revoked_at`,
		userID, name, secretHash).
		Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &k.LastUsedAt, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// LookupAPIKey resolves a non-revoked key by secret hash and stamps
// last_used_at.
func (s *Store) LookupAPIKey(ctx context.Context, secretHash string) (*types.APIKey, error) {
	var k types.APIKey
	err := s.pool.QueryRow(ctx,
		`UPDATE api_keys SET last_used_at = now()
		 WHERE secret_hash = $1 AND revoked_at IS NULL
		 RETURNING id, user_id, name, secret_hash, last_used_at, created_at, revoked_at`,
		secretHash).
		Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &k.LastUsedAt, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// RevokeAPIKey marks a key revoked; revocation is idempotent.
func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, now()) WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession records a login with its CSRF token and expiry.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, csrfToken string, ttl time.Duration) (*types.Session, error) {
	var sess types.Session
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (user_id, csrf_token, expires_at) VALUES ($1, $2, now() + $3)
		 RETURNING id, user_id, csrf_token, expires_at, created_at`,
		userID, csrfToken, ttl).
		Scan(&sess.ID, &sess.UserID, &sess.CSRFToken, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches a live session; expired rows read as not found.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var sess types.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, csrf_token, expires_at, created_at
		 FROM sessions WHERE id = $1 AND expires_at > now()`, id).
		Scan(&sess.ID, &sess.UserID, &sess.CSRFToken, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// DeleteSession logs out a session.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// BindRole grants a role globally (workspaceID nil) or per workspace.
// Re-granting an existing binding is a no-op.
func (s *Store) BindRole(ctx context.Context, userID uuid.UUID, role string, workspaceID *uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_bindings (user_id, role, workspace_id) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		userID, role, workspaceID)
	return err
}

// RoleBindings returns every binding held by a user.
func (s *Store) RoleBindings(ctx context.Context, userID uuid.UUID) ([]types.RoleBinding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, workspace_id FROM role_bindings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RoleBinding
	for rows.Next() {
		var b types.RoleBinding
		if err := rows.Scan(&b.ID, &b.UserID, &b.Role, &b.WorkspaceID); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
