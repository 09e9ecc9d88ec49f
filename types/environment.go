package types

import (
	"time"

	"github.com/google/uuid"
)

// EnvironmentStatus is the build lifecycle of an interpreter environment.
type EnvironmentStatus string

const (
	EnvironmentQueued   EnvironmentStatus = "queued"
	EnvironmentBuilding EnvironmentStatus = "building"
	EnvironmentReady    EnvironmentStatus = "ready"
	EnvironmentFailed   EnvironmentStatus = "failed"
)

// Environment is a provisioned interpreter tree keyed by
// (workspace, configuration, engine_spec, deps_digest). The same dependency
// set is shared across runs, never rebuilt per run.
type Environment struct {
	ID                uuid.UUID         `json:"id"`
	WorkspaceID       uuid.UUID         `json:"workspace_id"`
	ConfigurationID   uuid.UUID         `json:"configuration_id"`
	EngineSpec        string            `json:"engine_spec"`
	DepsDigest        string            `json:"deps_digest"`
	Status            EnvironmentStatus `json:"status"`
	ClaimedBy         *string           `json:"claimed_by,omitempty"`
	ClaimExpiresAt    *time.Time        `json:"claim_expires_at,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	PythonVersion     *string           `json:"python_version,omitempty"`
	PythonInterpreter *string           `json:"python_interpreter,omitempty"`
	EngineVersion     *string           `json:"engine_version,omitempty"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// EnvironmentKey is the uniqueness key for venv sharing.
type EnvironmentKey struct {
	WorkspaceID     uuid.UUID
	ConfigurationID uuid.UUID
	EngineSpec      string
	DepsDigest      string
}

// Key returns the environment's uniqueness key.
func (e *Environment) Key() EnvironmentKey {
	return EnvironmentKey{
		WorkspaceID:     e.WorkspaceID,
		ConfigurationID: e.ConfigurationID,
		EngineSpec:      e.EngineSpec,
		DepsDigest:      e.DepsDigest,
	}
}
