package types

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestParseRunOptions_FullPayload(t *testing.T) {
	raw := json.RawMessage(`{
		"validate_only": true,
		"dry_run": false,
		"log_level": "debug",
		"input_sheet_names": ["Sheet1", "Sheet2"],
		"active_sheet_only": true,
		"max_findings_per_sheet": 50,
		"engine_args": ["--strict"]
	}`)

	opts := ParseRunOptions(raw)
	if !opts.ValidateOnly {
		t.Error("validate_only not parsed")
	}
	if opts.DryRun {
		t.Error("dry_run should be false")
	}
	if opts.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", opts.LogLevel)
	}
	if len(opts.InputSheetNames) != 2 || opts.InputSheetNames[0] != "Sheet1" {
		t.Errorf("input_sheet_names = %v", opts.InputSheetNames)
	}
	if opts.MaxFindingsPerSheet != 50 {
		t.Errorf("max_findings_per_sheet = %d, want 50", opts.MaxFindingsPerSheet)
	}
}

func TestParseRunOptions_UnknownFieldsIgnored(t *testing.T) {
	opts := ParseRunOptions(json.RawMessage(`{"dry_run": true, "mystery_knob": 42}`))
	if !opts.DryRun {
		t.Error("dry_run not parsed alongside unknown field")
	}
}

func TestParseRunOptions_MalformedYieldsZero(t *testing.T) {
	opts := ParseRunOptions(json.RawMessage(`{"dry_run": tru`))
	if opts.DryRun || opts.ValidateOnly || opts.LogLevel != "" || opts.InputSheetNames != nil {
		t.Errorf("malformed options should be zero, got %+v", opts)
	}
}

func TestParseRunOptions_EmptyYieldsZero(t *testing.T) {
	opts := ParseRunOptions(nil)
	if opts.DryRun || opts.ValidateOnly || opts.LogLevel != "" {
		t.Errorf("empty options should be zero, got %+v", opts)
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{RunSucceeded, RunFailed, RunCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunQueued, RunRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPrincipal_Allowed(t *testing.T) {
	ws := uuid.New()
	other := uuid.New()
	user := uuid.New()

	p := &Principal{
		UserID: user,
		Method: AuthAPIKey,
		Bindings: []RoleBinding{
			{UserID: user, Role: "editor", WorkspaceID: &ws},
		},
	}

	if !p.Allowed(PermRunsSubmit, ws) {
		t.Error("editor binding should allow runs.submit in its workspace")
	}
	if p.Allowed(PermRunsSubmit, other) {
		t.Error("workspace-scoped binding must not leak into other workspaces")
	}
	if p.Allowed(PermWorkspacesAdmin, ws) {
		t.Error("editor must not hold workspaces.admin")
	}
}

func TestPrincipal_GlobalBinding(t *testing.T) {
	user := uuid.New()
	p := &Principal{
		UserID:   user,
		Bindings: []RoleBinding{{UserID: user, Role: "admin"}},
	}
	if !p.Allowed(PermWorkspacesAdmin, uuid.New()) {
		t.Error("global admin binding should apply to any workspace")
	}
}

func TestRunMetrics_Empty(t *testing.T) {
	m := &RunMetrics{}
	if !m.Empty() {
		t.Error("zero metrics should be empty")
	}
	n := 3
	m.FindingsTotal = &n
	if m.Empty() {
		t.Error("metrics with findings_total should not be empty")
	}
}
