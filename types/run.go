package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the queue/execution status of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status never transitions again.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run is one execution of one configuration against one document.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     uuid.UUID       `json:"workspace_id"`
	ConfigurationID uuid.UUID       `json:"configuration_id"`
	InputDocumentID uuid.UUID       `json:"input_document_id"`
	EngineSpec      string          `json:"engine_spec"`
	DepsDigest      string          `json:"deps_digest"`
	RunOptions      json.RawMessage `json:"run_options,omitempty"`
	InputSheetNames json.RawMessage `json:"input_sheet_names,omitempty"`
	Status          RunStatus       `json:"status"`
	ClaimedBy       *string         `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *time.Time      `json:"claim_expires_at,omitempty"`
	AvailableAt     time.Time       `json:"available_at"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	OutputPath      *string         `json:"output_path,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EnvironmentKey returns the key of the environment this run binds to.
func (r *Run) EnvironmentKey() EnvironmentKey {
	return EnvironmentKey{
		WorkspaceID:     r.WorkspaceID,
		ConfigurationID: r.ConfigurationID,
		EngineSpec:      r.EngineSpec,
		DepsDigest:      r.DepsDigest,
	}
}

// RunOptions are the caller-supplied execution knobs stored on the run row.
// Unknown fields are ignored; malformed JSON yields the zero value.
type RunOptions struct {
	ValidateOnly        bool     `json:"validate_only"`
	DryRun              bool     `json:"dry_run"`
	LogLevel            string   `json:"log_level"`
	InputSheetNames     []string `json:"input_sheet_names"`
	ActiveSheetOnly     bool     `json:"active_sheet_only"`
	MaxFindingsPerSheet int      `json:"max_findings_per_sheet"`
	EngineArgs          []string `json:"engine_args"`
}

// ParseRunOptions decodes run options tolerantly. A nil, empty, or malformed
// payload yields zero options rather than an error; the run still executes
// with defaults.
func ParseRunOptions(raw json.RawMessage) RunOptions {
	var opts RunOptions
	if len(raw) == 0 {
		return opts
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return RunOptions{}
	}
	return opts
}
