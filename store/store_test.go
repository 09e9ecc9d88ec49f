package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ade-io/ade/types"
)

// Queue and CRUD tests need a real Postgres. Point ADE_TEST_DATABASE_URL at
// a disposable database to run them; they create their own schema.
func testDB(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("ADE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ADE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedRun(t *testing.T, s *Store, maxAttempts int) *types.Run {
	t.Helper()
	ctx := context.Background()
	ws, err := s.CreateWorkspace(ctx, "Test", "test-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cfg, err := s.CreateConfiguration(ctx, NewConfiguration{
		WorkspaceID: ws.ID, DisplayName: "cfg", SourceKind: types.SourceTemplate,
	})
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	doc, err := s.CreateDocument(ctx, NewDocument{
		WorkspaceID: ws.ID, OriginalFilename: "input.xlsx",
		ContentType: "application/vnd.ms-excel", ByteSize: 10,
		SHA256: "sha256:abc", StoredURI: "file:doc/input.xlsx",
	})
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	run, err := s.CreateRun(ctx, NewRun{
		WorkspaceID: ws.ID, ConfigurationID: cfg.ID, InputDocumentID: doc.ID,
		EngineSpec: "ade-engine==1.0", DepsDigest: "sha256:deadbeef",
		RunOptions: json.RawMessage(`{"dry_run":false}`), MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return run
}

func TestClaimRunsAtMostOnce(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	a, err := s.ClaimRuns(ctx, "worker-a", time.Minute, 10)
	if err != nil {
		t.Fatalf("claim a: %v", err)
	}
	b, err := s.ClaimRuns(ctx, "worker-b", time.Minute, 10)
	if err != nil {
		t.Fatalf("claim b: %v", err)
	}
	total := 0
	for _, r := range append(a, b...) {
		if r.ID == run.ID {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("run claimed %d times, want exactly once", total)
	}
	claimed := append(a, b...)[0]
	if claimed.AttemptCount != 1 || claimed.Status != types.RunRunning {
		t.Errorf("claimed run = attempt %d status %s", claimed.AttemptCount, claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Errorf("started_at not stamped")
	}
}

func TestAckGuardedByClaimant(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	claimed, err := s.ClaimRuns(ctx, "worker-a", time.Minute, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d rows)", err, len(claimed))
	}
	if err := s.AckRunSuccess(ctx, run.ID, "worker-b", "out"); !errors.Is(err, ErrLostClaim) {
		t.Errorf("foreign ack error = %v, want ErrLostClaim", err)
	}
	if err := s.AckRunSuccess(ctx, run.ID, "worker-a", "out"); err != nil {
		t.Fatalf("owner ack: %v", err)
	}
	got, err := s.GetRun(ctx, run.WorkspaceID, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.RunSucceeded || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("run after ack = %s exit %v", got.Status, got.ExitCode)
	}
	// A terminal run never claims again.
	again, err := s.ClaimRuns(ctx, "worker-a", time.Minute, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	for _, r := range again {
		if r.ID == run.ID {
			t.Errorf("terminal run reclaimed")
		}
	}
}

func TestRetryThenTerminal(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 2)

	claimed, err := s.ClaimRuns(ctx, "w", time.Minute, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim 1: %v", err)
	}
	exit := 1
	if err := s.AckRunFailureRetry(ctx, run.ID, "w", time.Now(), &exit, "Engine failed (exit 1)"); err != nil {
		t.Fatalf("retry ack: %v", err)
	}
	got, _ := s.GetRun(ctx, run.WorkspaceID, run.ID)
	if got.Status != types.RunQueued || got.AttemptCount != 1 {
		t.Fatalf("after retry = %s attempt %d", got.Status, got.AttemptCount)
	}

	claimed, err = s.ClaimRuns(ctx, "w", time.Minute, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim 2: %v", err)
	}
	if claimed[0].AttemptCount != 2 {
		t.Fatalf("attempt = %d, want 2", claimed[0].AttemptCount)
	}
	if err := s.AckRunFailureTerminal(ctx, run.ID, "w", &exit, "Engine failed (exit 1)"); err != nil {
		t.Fatalf("terminal ack: %v", err)
	}
	got, _ = s.GetRun(ctx, run.WorkspaceID, run.ID)
	if got.Status != types.RunFailed || got.ErrorMessage == nil || *got.ErrorMessage != "Engine failed (exit 1)" {
		t.Errorf("terminal run = %s %v", got.Status, got.ErrorMessage)
	}

	// No claim slots remain.
	more, _ := s.ClaimRuns(ctx, "w", time.Minute, 10)
	for _, r := range more {
		if r.ID == run.ID {
			t.Errorf("failed run reclaimed")
		}
	}
}

func TestReleaseForEnvironmentDoesNotConsumeAttempt(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	claimed, err := s.ClaimRuns(ctx, "w", time.Minute, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ReleaseRunForEnvironment(ctx, run.ID, "w", 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := s.GetRun(ctx, run.WorkspaceID, run.ID)
	if got.Status != types.RunQueued || got.AttemptCount != 0 {
		t.Errorf("after release = %s attempt %d, want queued/0", got.Status, got.AttemptCount)
	}
}

func TestExpireStuckRuns(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	if _, err := s.ClaimRuns(ctx, "dead-worker", time.Millisecond, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	requeued, failed, err := s.ExpireStuckRuns(ctx, func(int) time.Duration { return 5 * time.Second })
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if requeued < 1 || failed != 0 {
		t.Fatalf("expire = %d requeued %d failed", requeued, failed)
	}
	got, _ := s.GetRun(ctx, run.WorkspaceID, run.ID)
	if got.Status != types.RunQueued || got.ErrorMessage == nil || *got.ErrorMessage != "lease expired" {
		t.Errorf("expired run = %s %v", got.Status, got.ErrorMessage)
	}
	if !got.AvailableAt.After(time.Now()) {
		t.Errorf("available_at not pushed out: %v", got.AvailableAt)
	}
}

func TestActivateExclusive(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	ws, err := s.CreateWorkspace(ctx, "Acme", "acme-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	first, _ := s.CreateConfiguration(ctx, NewConfiguration{WorkspaceID: ws.ID, DisplayName: "v1", SourceKind: types.SourceTemplate})
	second, _ := s.CreateConfiguration(ctx, NewConfiguration{WorkspaceID: ws.ID, DisplayName: "v2", SourceKind: types.SourceClone})

	if _, err := s.ActivateExclusive(ctx, ws.ID, first.ID, "sha256:v1"); err != nil {
		t.Fatalf("activate first: %v", err)
	}
	act, err := s.ActivateExclusive(ctx, ws.ID, second.ID, "sha256:v2")
	if err != nil {
		t.Fatalf("activate second: %v", err)
	}
	if act.Status != types.ConfigurationActive || act.PublishedDigest == nil || *act.PublishedDigest != "sha256:v2" {
		t.Errorf("activated = %+v", act)
	}
	prev, _ := s.GetConfiguration(ctx, ws.ID, first.ID)
	if prev.Status != types.ConfigurationArchived {
		t.Errorf("previous active = %s, want archived", prev.Status)
	}
	// Archived configurations never reactivate.
	if _, err := s.ActivateExclusive(ctx, ws.ID, first.ID, "sha256:v1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reactivate archived error = %v, want ErrInvalidTransition", err)
	}
}

func TestEnvironmentClaimLifecycle(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	created, err := s.EnsureEnvironmentsForQueuedRuns(ctx)
	if err != nil || created < 1 {
		t.Fatalf("ensure: %v (%d created)", err, created)
	}
	// Idempotent.
	if again, _ := s.EnsureEnvironmentsForQueuedRuns(ctx); again != 0 {
		t.Errorf("second ensure created %d rows", again)
	}

	env, err := s.FindEnvironment(ctx, run.EnvironmentKey())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := s.ClaimEnvironment(ctx, env.ID, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ClaimEnvironment(ctx, env.ID, "w2", time.Minute); !errors.Is(err, ErrLostClaim) {
		t.Errorf("second claim error = %v, want ErrLostClaim", err)
	}
	if err := s.AckEnvironmentSuccess(ctx, env.ID, "w2", EnvironmentBuildInfo{}); !errors.Is(err, ErrLostClaim) {
		t.Errorf("foreign ack error = %v, want ErrLostClaim", err)
	}
	info := EnvironmentBuildInfo{PythonInterpreter: "/venv/bin/python", PythonVersion: "3.12.4", EngineVersion: "1.0.0"}
	if err := s.AckEnvironmentSuccess(ctx, env.ID, "w1", info); err != nil {
		t.Fatalf("ack: %v", err)
	}
	ready, err := s.FindReadyEnvironment(ctx, run.EnvironmentKey())
	if err != nil {
		t.Fatalf("find ready: %v", err)
	}
	if ready.PythonVersion == nil || *ready.PythonVersion != "3.12.4" {
		t.Errorf("metadata not recorded: %+v", ready)
	}
}

func TestReplaceRunResults(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	total := 5
	outcome := "pass"
	results := types.RunResults{
		Metrics: &types.RunMetrics{RunID: run.ID, EvaluationOutcome: &outcome, FindingsTotal: &total},
		Fields: []types.RunField{
			{RunID: run.ID, Field: "invoice_number", Detected: true},
		},
		Columns: []types.RunTableColumn{
			{RunID: run.ID, MappingStatus: types.ColumnMapped},
		},
	}
	if err := s.ReplaceRunResults(ctx, run.ID, results); err != nil {
		t.Fatalf("replace: %v", err)
	}
	// Replacement is total: a second write leaves exactly the new rows.
	results.Fields = append(results.Fields, types.RunField{RunID: run.ID, Field: "amount", Detected: false})
	if err := s.ReplaceRunResults(ctx, run.ID, results); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	got, err := s.GetRunResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metrics == nil || got.Metrics.FindingsTotal == nil || *got.Metrics.FindingsTotal != 5 {
		t.Errorf("metrics = %+v", got.Metrics)
	}
	if len(got.Fields) != 2 || len(got.Columns) != 1 {
		t.Errorf("fields=%d columns=%d, want 2/1", len(got.Fields), len(got.Columns))
	}
}

// claimUntil drains the claimable environment queue looking for one id.
// Other tests leave environments behind in the shared database, so the
// target is found by claiming (and thereby parking) whatever comes first.
func claimUntil(t *testing.T, s *Store, workerID string, want uuid.UUID) bool {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		id, err := s.NextQueuedEnvironment(ctx)
		if errors.Is(err, ErrNotFound) {
			return false
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if _, err := s.ClaimEnvironment(ctx, id, workerID, time.Minute); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
		if id == want {
			return true
		}
	}
	t.Fatal("environment queue did not drain")
	return false
}

func TestFailedEnvironmentReclaimedByNewRun(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	if _, err := s.EnsureEnvironmentsForQueuedRuns(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	env, err := s.FindEnvironment(ctx, run.EnvironmentKey())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !claimUntil(t, s, "w1", env.ID) {
		t.Fatal("queued environment never offered")
	}
	if err := s.AckEnvironmentFailure(ctx, env.ID, "w1", "pip install failed"); err != nil {
		t.Fatalf("fail ack: %v", err)
	}

	// The run is still queued, so the failed environment must come back as
	// claimable; otherwise the run cycles between claim and release forever.
	if !claimUntil(t, s, "w1", env.ID) {
		t.Fatal("failed environment with a queued run not offered for rebuild")
	}
	got, err := s.GetEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.EnvironmentBuilding || got.ErrorMessage != nil {
		t.Errorf("reclaimed environment = %s %v, want building with error cleared", got.Status, got.ErrorMessage)
	}

	// Once no queued run references the key, a failed environment stays put.
	if err := s.AckEnvironmentFailure(ctx, env.ID, "w1", "pip install failed"); err != nil {
		t.Fatalf("fail ack again: %v", err)
	}
	if _, err := s.CancelQueuedRun(ctx, run.WorkspaceID, run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if claimUntil(t, s, "w1", env.ID) {
		t.Error("failed environment offered with no queued run referencing it")
	}
}

func TestExpiredRunArtifactsIncludesFailedRuns(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 1)

	if _, err := s.ClaimRuns(ctx, "w", time.Minute, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	exit := 1
	if err := s.AckRunFailureTerminal(ctx, run.ID, "w", &exit, "Engine failed (exit 1)"); err != nil {
		t.Fatalf("terminal ack: %v", err)
	}

	// A failed run records no output path, but its staged input and event
	// log still age out.
	expired, err := s.ExpiredRunArtifacts(ctx, 0)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	found := false
	for _, r := range expired {
		if r.ID == run.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("failed run without output_path not a gc candidate")
	}

	if err := s.ClearRunArtifacts(ctx, run.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	expired, err = s.ExpiredRunArtifacts(ctx, 0)
	if err != nil {
		t.Fatalf("expired after clear: %v", err)
	}
	for _, r := range expired {
		if r.ID == run.ID {
			t.Error("cleared run revisited on the next pass")
		}
	}
}

func TestCancelQueuedRunOnly(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	cancelled, err := s.CancelQueuedRun(ctx, run.WorkspaceID, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.RunCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	// Terminal; a second cancel is an invalid transition.
	if _, err := s.CancelQueuedRun(ctx, run.WorkspaceID, run.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("re-cancel error = %v, want ErrInvalidTransition", err)
	}
}
