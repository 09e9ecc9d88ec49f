package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ade-io/ade/types"
)

const documentCols = `id, workspace_id, original_filename, content_type,
	byte_size, sha256, stored_uri, status, created_at, updated_at`

func scanDocument(row pgx.Row) (*types.Document, error) {
	var d types.Document
	err := row.Scan(&d.ID, &d.WorkspaceID, &d.OriginalFilename, &d.ContentType,
		&d.ByteSize, &d.SHA256, &d.StoredURI, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// NewDocument is the insert payload for CreateDocument.
type NewDocument struct {
	WorkspaceID      uuid.UUID
	OriginalFilename string
	ContentType      string
	ByteSize         int64
	SHA256           string
	StoredURI        string
}

// CreateDocument records an uploaded document. The bytes are already on
// disk or in blob storage at StoredURI when this row lands.
func (s *Store) CreateDocument(ctx context.Context, n NewDocument) (*types.Document, error) {
	return scanDocument(s.pool.QueryRow(ctx,
		`INSERT INTO documents (workspace_id, original_filename, content_type, byte_size, sha256, stored_uri)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+documentCols,
		n.WorkspaceID, n.OriginalFilename, n.ContentType, n.ByteSize, n.SHA256, n.StoredURI))
}

// GetDocument fetches one document scoped to its workspace.
func (s *Store) GetDocument(ctx context.Context, workspaceID, id uuid.UUID) (*types.Document, error) {
	return scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id))
}

// ListDocuments returns a workspace's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, workspaceID uuid.UUID, limit int) ([]*types.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentCols+` FROM documents
		 WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDocumentStatus moves a document through run processing.
func (s *Store) SetDocumentStatus(ctx context.Context, id uuid.UUID, status types.DocumentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes a document row. The stored bytes are cleaned up by
// the caller; runs referencing the document cascade away with it.
func (s *Store) DeleteDocument(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
