package types

import (
	"time"

	"github.com/google/uuid"
)

// ConfigurationStatus is the lifecycle status of a configuration.
type ConfigurationStatus string

const (
	// ConfigurationDraft is the only editable status.
	ConfigurationDraft ConfigurationStatus = "draft"
	// ConfigurationActive marks the single active configuration per workspace.
	ConfigurationActive ConfigurationStatus = "active"
	// ConfigurationArchived is terminal.
	ConfigurationArchived ConfigurationStatus = "archived"
)

// SourceKind records how a configuration package was created.
type SourceKind string

const (
	SourceTemplate SourceKind = "template"
	SourceClone    SourceKind = "clone"
	SourceArchive  SourceKind = "archive"
	SourceGitHub   SourceKind = "github"
)

// Configuration is a versioned source package owned by a workspace.
// At most one configuration per workspace is active at a time; only
// drafts are editable.
type Configuration struct {
	ID                    uuid.UUID           `json:"id"`
	WorkspaceID           uuid.UUID           `json:"workspace_id"`
	DisplayName           string              `json:"display_name"`
	Status                ConfigurationStatus `json:"status"`
	SourceKind            SourceKind          `json:"source_kind"`
	SourceConfigurationID *uuid.UUID          `json:"source_configuration_id,omitempty"`
	Notes                 string              `json:"notes,omitempty"`
	PublishedDigest       *string             `json:"published_digest,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
	ActivatedAt           *time.Time          `json:"activated_at,omitempty"`
}

// Editable reports whether the configuration's package may be mutated.
func (c *Configuration) Editable() bool {
	return c.Status == ConfigurationDraft
}
