// Package adapter defines the outbound notification boundary.
//
// Adapters publish run completion events to downstream systems. The worker
// owns adapter lifecycle; operators provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/ade-io/ade/types"
)

// ContractVersion is the payload schema version published to downstreams.
const ContractVersion = "1.0"

// RunCompletedEvent is the payload published when a run reaches a terminal
// status.
type RunCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "run_completed"
	RunID           string `json:"run_id"`
	WorkspaceID     string `json:"workspace_id"`
	ConfigurationID string `json:"configuration_id"`
	DocumentID      string `json:"document_id"`
	Status          string `json:"status"` // succeeded or failed
	Attempt         int    `json:"attempt"`
	MaxAttempts     int    `json:"max_attempts"`
	Timestamp       string `json:"timestamp"` // RFC 3339
}

// NewRunCompletedEvent builds the payload for a terminal run.
func NewRunCompletedEvent(run *types.Run, status types.RunStatus) *RunCompletedEvent {
	return &RunCompletedEvent{
		ContractVersion: ContractVersion,
		EventType:       "run_completed",
		RunID:           run.ID.String(),
		WorkspaceID:     run.WorkspaceID.String(),
		ConfigurationID: run.ConfigurationID.String(),
		DocumentID:      run.InputDocumentID.String(),
		Status:          string(status),
		Attempt:         run.AttemptCount,
		MaxAttempts:     run.MaxAttempts,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

// Adapter publishes run completion events to a downstream system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Publish sends a run completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
