package types

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document through run processing.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an immutable uploaded binary. StoredURI is relative to the
// workspace documents root and may carry a file: scheme.
type Document struct {
	ID               uuid.UUID      `json:"id"`
	WorkspaceID      uuid.UUID      `json:"workspace_id"`
	OriginalFilename string         `json:"original_filename"`
	ContentType      string         `json:"content_type"`
	ByteSize         int64          `json:"byte_size"`
	SHA256           string         `json:"sha256"`
	StoredURI        string         `json:"stored_uri"`
	Status           DocumentStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
