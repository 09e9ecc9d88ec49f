package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ade-io/ade/events"
	"github.com/ade-io/ade/iox"
	"github.com/ade-io/ade/log"
	"github.com/ade-io/ade/pathsafe"
	"github.com/ade-io/ade/runner"
	"github.com/ade-io/ade/store"
	"github.com/ade-io/ade/types"
)

// releaseDelay keeps a run off the queue briefly while its environment
// builds, instead of a tight claim/release loop.
const releaseDelay = 5 * time.Second

// executeRun drives one claimed run end to end: environment resolution,
// option parsing, input staging, engine invocation, result persistence, and
// the guarded ack.
func (w *Worker) executeRun(ctx context.Context, run *types.Run) {
	logger := w.logger.WithRun(run.ID.String(), run.AttemptCount).WithWorkspace(run.WorkspaceID.String())

	// 1. Resolve the environment; a run never builds one inline.
	env, err := w.store.FindReadyEnvironment(ctx, run.EnvironmentKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("environment not ready, releasing run", nil)
			w.releaseRun(ctx, run, logger)
			return
		}
		logger.Error("environment lookup failed", map[string]any{"error": err.Error()})
		return
	}

	// 2. Touch last_used_at before anything else so GC never races us,
	// then verify the venv actually exists on disk.
	if err := w.store.TouchEnvironmentLastUsed(ctx, env.ID); err != nil {
		logger.Warn("touch environment failed", map[string]any{"error": err.Error()})
	}
	venv, err := w.layout.VenvDir(env.WorkspaceID.String(), env.ConfigurationID.String(), env.DepsDigest, env.ID.String())
	if err != nil {
		logger.Error("venv path resolution failed", map[string]any{"error": err.Error()})
		return
	}
	python := pathsafe.PythonInVenv(venv)
	if _, err := os.Stat(python); err != nil {
		logger.Warn("venv interpreter missing, requeueing environment for rebuild", map[string]any{
			"interpreter": python,
		})
		if err := w.store.RequeueEnvironmentForRebuild(ctx, env.ID); err != nil {
			logger.Warn("requeue for rebuild failed", map[string]any{"error": err.Error()})
		}
		w.releaseRun(ctx, run, logger)
		return
	}

	sink := w.runSink(run)
	defer func() { _ = sink.Close() }()
	emit := w.runEmitter(run, sink, logger)
	emit(types.NewEvent("info", "run.start", "run started").WithData(map[string]any{
		"attempt":      run.AttemptCount,
		"max_attempts": run.MaxAttempts,
	}))

	// 3. Options are tolerant: unknown fields ignored, malformed JSON runs
	// with defaults.
	opts := types.ParseRunOptions(run.RunOptions)

	// 4. Dry run stops before the engine.
	if opts.DryRun {
		if err := w.ackRunSuccess(ctx, run, "", types.RunResults{}, true, emit, logger); err == nil {
			logger.Info("dry run acknowledged", nil)
		}
		return
	}

	heartbeat := runner.Heartbeat{
		Fn:       func() { _ = w.store.HeartbeatRun(ctx, run.ID, w.id, w.cfg.JobLease.Duration) },
		Interval: w.cfg.JobLease.Duration / 3,
	}
	pkgDir, err := w.packages.PackageDir(run.WorkspaceID.String(), run.ConfigurationID.String())
	if err != nil {
		logger.Error("package dir resolution failed", map[string]any{"error": err.Error()})
		return
	}

	// 5. validate_only invokes config validation instead of processing.
	if opts.ValidateOnly {
		res, err := runner.Run(ctx, runner.Command{
			Path:      python,
			Args:      []string{"-m", w.moduleName(), "config", "validate", "--config-package", pkgDir, "--log-format", "ndjson"},
			Dir:       pkgDir,
			Scope:     "engine.validate",
			Timeout:   w.cfg.RunTimeout.Duration,
			Heartbeat: heartbeat,
			OnEvent:   emit,
		})
		if err != nil {
			logger.Error("validation run failed to execute", map[string]any{"error": err.Error()})
			return
		}
		if res.ExitCode == 0 {
			_ = w.ackRunSuccess(ctx, run, "", types.RunResults{}, false, emit, logger)
		} else {
			w.ackRunFailure(ctx, run, res, nil, emit, logger)
		}
		return
	}

	// 6. Stage the input and run the engine.
	doc, err := w.store.GetDocument(ctx, run.WorkspaceID, run.InputDocumentID)
	if err != nil {
		logger.Error("input document lookup failed", map[string]any{"error": err.Error()})
		return
	}
	inputPath, outputDir, err := w.stageInput(ctx, run, doc)
	if err != nil {
		logger.Error("input staging failed", map[string]any{"error": err.Error()})
		w.ackRunFailure(ctx, run, runner.Result{ExitCode: -1}, fmt.Errorf("stage input: %w", err), emit, logger)
		return
	}
	if err := w.store.SetDocumentStatus(ctx, doc.ID, types.DocumentProcessing); err != nil {
		logger.Warn("document status update failed", map[string]any{"error": err.Error()})
	}

	args := engineArgs(w.moduleName(), inputPath, outputDir, pkgDir, opts)

	// 7. Collect the canonical result event while streaming everything to
	// the log.
	var completedMu sync.Mutex
	var completed map[string]any
	onEvent := func(ev types.Event) {
		if ev.Event == types.EngineRunCompleted {
			completedMu.Lock()
			completed = ev.Data
			completedMu.Unlock()
		}
		emit(ev)
	}

	res, err := runner.Run(ctx, runner.Command{
		Path:      python,
		Args:      args,
		Dir:       pkgDir,
		Scope:     "engine.run",
		Timeout:   w.cfg.RunTimeout.Duration,
		Heartbeat: heartbeat,
		OnEvent:   onEvent,
	})
	if err != nil {
		logger.Error("engine failed to execute", map[string]any{"error": err.Error()})
		w.ackRunFailure(ctx, run, runner.Result{ExitCode: -1}, err, emit, logger)
		return
	}

	if res.ExitCode == 0 {
		completedMu.Lock()
		payload := completed
		completedMu.Unlock()

		outputPath := ""
		var results types.RunResults
		if payload != nil {
			outputPath = outputPathFrom(payload)
			results = parseRunResults(run.ID, payload)
		} else {
			logger.Warn("engine exited 0 without a result payload", nil)
		}
		if err := w.ackRunSuccess(ctx, run, outputPath, results, false, emit, logger); err != nil {
			return
		}
		if err := w.store.SetDocumentStatus(ctx, doc.ID, types.DocumentProcessed); err != nil {
			logger.Warn("document status update failed", map[string]any{"error": err.Error()})
		}
		return
	}

	// 9. Non-zero exit: retry with backoff or fail terminally.
	if w.ackRunFailure(ctx, run, res, nil, emit, logger) {
		if err := w.store.SetDocumentStatus(ctx, doc.ID, types.DocumentFailed); err != nil {
			logger.Warn("document status update failed", map[string]any{"error": err.Error()})
		}
	}
}

// moduleName is the engine's python module entrypoint, derived from the
// dependency name (dashes become underscores).
func (w *Worker) moduleName() string {
	name := make([]byte, 0, len(w.cfg.EngineDepName))
	for i := 0; i < len(w.cfg.EngineDepName); i++ {
		c := w.cfg.EngineDepName[i]
		if c == '-' {
			c = '_'
		}
		name = append(name, c)
	}
	return string(name)
}

// engineArgs assembles the process-file invocation from parsed options.
func engineArgs(module, inputPath, outputDir, pkgDir string, opts types.RunOptions) []string {
	args := []string{"-m", module, "process", "file",
		"--input", inputPath, "--output-dir", outputDir,
		"--config-package", pkgDir, "--log-format", "ndjson"}
	if opts.LogLevel != "" {
		args = append(args, "--log-level", opts.LogLevel)
	}
	for _, sheet := range opts.InputSheetNames {
		args = append(args, "--input-sheet", sheet)
	}
	if opts.ActiveSheetOnly {
		args = append(args, "--active-sheet-only")
	}
	if opts.MaxFindingsPerSheet > 0 {
		args = append(args, "--max-findings-per-sheet", strconv.Itoa(opts.MaxFindingsPerSheet))
	}
	return append(args, opts.EngineArgs...)
}

// stageInput copies the stored document into <run>/input/<original_filename>
// and returns the staged path plus the output dir. Documents missing from
// the local documents dir are fetched from blob storage when configured.
func (w *Worker) stageInput(ctx context.Context, run *types.Run, doc *types.Document) (string, string, error) {
	src, err := w.layout.DocumentPath(run.WorkspaceID.String(), doc.StoredURI)
	if err != nil {
		return "", "", err
	}
	inputDir, err := w.layout.RunInputDir(run.WorkspaceID.String(), run.ID.String())
	if err != nil {
		return "", "", err
	}
	outputDir, err := w.layout.RunOutputDir(run.WorkspaceID.String(), run.ID.String())
	if err != nil {
		return "", "", err
	}
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", err
		}
	}

	dest := filepath.Join(inputDir, filepath.Base(doc.OriginalFilename))
	in, err := os.Open(src)
	if os.IsNotExist(err) && w.blobs != nil {
		name := path.Join(run.WorkspaceID.String(), "documents", doc.StoredURI)
		if dlErr := w.blobs.DownloadToPath(ctx, name, "", dest); dlErr != nil {
			return "", "", dlErr
		}
		return dest, outputDir, nil
	}
	if err != nil {
		return "", "", err
	}
	defer iox.DiscardClose(in)
	out, err := os.Create(dest)
	if err != nil {
		return "", "", err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", "", err
	}
	return dest, outputDir, nil
}

// ackRunSuccess persists results then acks, so a crash between the two
// leaves a retriable claim rather than a success without results.
func (w *Worker) ackRunSuccess(ctx context.Context, run *types.Run, outputPath string, results types.RunResults, dryRun bool, emit func(types.Event), logger *log.Logger) error {
	if results.Metrics != nil || len(results.Fields) > 0 || len(results.Columns) > 0 {
		if err := w.store.ReplaceRunResults(ctx, run.ID, results); err != nil {
			logger.Error("result persistence failed", map[string]any{"error": err.Error()})
			return err
		}
	}
	if err := w.store.AckRunSuccess(ctx, run.ID, w.id, outputPath); err != nil {
		if errors.Is(err, store.ErrLostClaim) {
			emit(types.NewEvent("warning", "run.lost_claim", "claim lost before success ack"))
			logger.Warn("run claim lost", nil)
		} else {
			logger.Error("run ack failed", map[string]any{"error": err.Error()})
		}
		return err
	}
	if dryRun {
		// Visible marker that no engine ran.
		_, _ = w.store.Pool().Exec(ctx,
			`UPDATE runs SET error_message = 'Dry run' WHERE id = $1`, run.ID)
	}
	emit(types.NewEvent("info", "run.complete", "run succeeded").WithData(map[string]any{
		"status": string(types.RunSucceeded),
	}))
	w.publishRunComplete(ctx, run, types.RunSucceeded)
	return nil
}

// ackRunFailure routes a failed attempt to retry or terminal failure.
// Returns true when the failure was terminal.
func (w *Worker) ackRunFailure(ctx context.Context, run *types.Run, res runner.Result, cause error, emit func(types.Event), logger *log.Logger) bool {
	message := fmt.Sprintf("Engine failed (exit %d)", res.ExitCode)
	if res.TimedOut {
		message = "Run timed out"
	}
	if cause != nil {
		message = cause.Error()
	}
	var exitCode *int
	if res.ExitCode >= 0 {
		exitCode = &res.ExitCode
	}

	terminal := run.AttemptCount >= run.MaxAttempts
	var err error
	if terminal {
		err = w.store.AckRunFailureTerminal(ctx, run.ID, w.id, exitCode, message)
	} else {
		retryAt := time.Now().Add(Backoff(w.cfg.BackoffBase.Duration, w.cfg.BackoffMax.Duration, run.AttemptCount))
		err = w.store.AckRunFailureRetry(ctx, run.ID, w.id, retryAt, exitCode, message)
		w.metrics.RunOutcomes.WithLabelValues("retried").Inc()
		emit(types.NewEvent("warning", "run.retry", message).WithData(map[string]any{
			"attempt":  run.AttemptCount,
			"retry_at": retryAt.UTC(),
		}))
	}
	if err != nil {
		if errors.Is(err, store.ErrLostClaim) {
			emit(types.NewEvent("warning", "run.lost_claim", "claim lost before failure ack"))
			logger.Warn("run claim lost", nil)
		} else {
			logger.Error("run failure ack failed", map[string]any{"error": err.Error()})
		}
		return false
	}
	if terminal {
		emit(types.NewEvent("error", "run.complete", message).WithData(map[string]any{
			"status":    string(types.RunFailed),
			"exit_code": res.ExitCode,
		}))
		w.publishRunComplete(ctx, run, types.RunFailed)
	}
	return terminal
}

func (w *Worker) releaseRun(ctx context.Context, run *types.Run, logger *log.Logger) {
	if err := w.store.ReleaseRunForEnvironment(ctx, run.ID, w.id, releaseDelay); err != nil {
		if errors.Is(err, store.ErrLostClaim) {
			logger.Warn("run claim lost on release", nil)
			return
		}
		logger.Error("run release failed", map[string]any{"error": err.Error()})
	}
}

func (w *Worker) runSink(run *types.Run) events.Sink {
	path, err := w.layout.RunEventLogPath(run.WorkspaceID.String(), run.ID.String())
	if err == nil {
		if s, serr := events.NewFileSink(path); serr == nil {
			return s
		}
	}
	return events.Discard{}
}

func (w *Worker) runEmitter(run *types.Run, sink events.Sink, logger *log.Logger) func(types.Event) {
	return func(ev types.Event) {
		ev = ev.WithContext(map[string]any{
			"run_id":    run.ID.String(),
			"worker_id": w.id,
		})
		if err := sink.Write(ev); err != nil {
			logger.Warn("event log write failed", map[string]any{"error": err.Error()})
		}
	}
}
