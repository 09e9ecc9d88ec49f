// Package types defines core domain types for the ADE control plane.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant boundary. A workspace owns configurations,
// documents, runs, environments, and blob prefixes. Deletion cascades.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
