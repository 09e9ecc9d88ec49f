// Package worker implements the job execution side of the control plane: it
// claims queued environment builds and runs from the store, executes them
// under leases with heartbeats, and acknowledges outcomes. One Worker drives
// a bounded pool of concurrent jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/ade-io/ade/adapter"
	"github.com/ade-io/ade/blob"
	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/configstore"
	"github.com/ade-io/ade/log"
	"github.com/ade-io/ade/metrics"
	"github.com/ade-io/ade/pathsafe"
	"github.com/ade-io/ade/store"
	"github.com/ade-io/ade/store/notify"
	"github.com/ade-io/ade/types"
)

// claimBatch caps how many runs one poll iteration claims.
const claimBatch = 8

// Publisher receives run completion notifications. Implementations live
// under the adapter package; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, event *adapter.RunCompletedEvent) error
	Close() error
}

// Options configures a Worker. Store, Layout, Packages, and Logger are
// required; the rest have working defaults.
type Options struct {
	// ID identifies this worker in claims and logs. Defaults to host-pid.
	ID        string
	Config    config.Settings
	Store     *store.Store
	Layout    pathsafe.Layout
	Packages  *configstore.Store
	// Blobs backs input staging when documents live in object storage;
	// nil stages from the local documents dir only.
	Blobs     blob.Store
	Logger    *log.Logger
	Listener  *notify.Listener
	Metrics   *metrics.Worker
	Publisher Publisher
}

// Worker claims and executes queued jobs until its context is canceled.
type Worker struct {
	id        string
	cfg       config.Settings
	store     *store.Store
	layout    pathsafe.Layout
	packages  *configstore.Store
	blobs     blob.Store
	logger    *log.Logger
	listener  *notify.Listener
	metrics   *metrics.Worker
	publisher Publisher
	sem       *semaphore.Weighted
}

// New creates a worker from opts.
func New(opts Options) *Worker {
	id := opts.ID
	if id == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	concurrency := opts.Config.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewWorker(prometheus.NewRegistry())
	}
	return &Worker{
		id:        id,
		cfg:       opts.Config,
		store:     opts.Store,
		layout:    opts.Layout,
		packages:  opts.Packages,
		blobs:     opts.Blobs,
		logger:    opts.Logger.WithWorker(id),
		listener:  opts.Listener,
		metrics:   m,
		publisher: opts.Publisher,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Run executes the claim loop until ctx is canceled. The periodic cleanup
// and garbage collection loops run alongside it.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", map[string]any{
		"concurrency": w.cfg.WorkerConcurrency,
		"lease":       w.cfg.JobLease.Duration.String(),
	})

	if w.listener != nil {
		go func() {
			if err := w.listener.Run(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("listener stopped", map[string]any{"error": err.Error()})
			}
		}()
	}
	go w.cleanupLoop(ctx)
	go w.gcLoop(ctx)

	poll := w.cfg.PollInterval.Duration
	for {
		if err := ctx.Err(); err != nil {
			w.drain()
			return err
		}

		claimed := w.pollOnce(ctx)
		if claimed > 0 {
			poll = w.cfg.PollInterval.Duration
			continue
		}

		// Idle: geometric backoff, cut short by a queue notification.
		if w.listener != nil {
			if w.listener.Wait(ctx, poll) {
				poll = w.cfg.PollInterval.Duration
				continue
			}
		} else {
			select {
			case <-ctx.Done():
			case <-time.After(poll):
			}
		}
		poll *= 2
		if poll > w.cfg.PollIntervalMax.Duration {
			poll = w.cfg.PollIntervalMax.Duration
		}
	}
}

// pollOnce materializes environments for queued runs, then claims as many
// jobs as free pool slots allow. Environments claim before runs so that a
// run's dependency is already building when the run is picked up.
func (w *Worker) pollOnce(ctx context.Context) int {
	if n, err := w.store.EnsureEnvironmentsForQueuedRuns(ctx); err != nil {
		w.logger.Error("environment materialization failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		w.logger.Info("environments queued", map[string]any{"count": n})
	}

	claimed := 0
	for {
		if !w.sem.TryAcquire(1) {
			return claimed
		}
		id, err := w.store.NextQueuedEnvironment(ctx)
		if err != nil {
			w.sem.Release(1)
			if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				w.logger.Error("environment peek failed", map[string]any{"error": err.Error()})
			}
			break
		}
		env, err := w.store.ClaimEnvironment(ctx, id, w.id, w.cfg.JobLease.Duration)
		if err != nil {
			// Another worker won the row; keep going.
			w.sem.Release(1)
			continue
		}
		claimed++
		w.metrics.ClaimsTotal.WithLabelValues("environments").Inc()
		w.dispatch(ctx, "environments", func(jobCtx context.Context) {
			w.buildEnvironment(jobCtx, env)
		})
	}

	free := 0
	for w.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return claimed
	}
	batch := free
	if batch > claimBatch {
		batch = claimBatch
	}
	runs, err := w.store.ClaimRuns(ctx, w.id, w.cfg.JobLease.Duration, batch)
	if err != nil {
		w.sem.Release(int64(free))
		if ctx.Err() == nil {
			w.logger.Error("run claim failed", map[string]any{"error": err.Error()})
		}
		return claimed
	}
	w.sem.Release(int64(free - len(runs)))
	for _, run := range runs {
		claimed++
		w.metrics.ClaimsTotal.WithLabelValues("runs").Inc()
		run := run
		w.dispatch(ctx, "runs", func(jobCtx context.Context) {
			w.executeRun(jobCtx, run)
		})
	}
	return claimed
}

// dispatch runs fn on its own goroutine holding one pool slot. A panic in a
// job is logged and must not take down the worker; the lease expires and the
// cleanup pass requeues the row.
func (w *Worker) dispatch(ctx context.Context, queue string, fn func(context.Context)) {
	go func() {
		start := time.Now()
		defer w.sem.Release(1)
		defer func() {
			w.metrics.JobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
			if r := recover(); r != nil {
				w.logger.Error("job panicked", map[string]any{
					"queue": queue,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				})
			}
		}()
		fn(ctx)
	}()
}

// drain waits briefly for in-flight jobs on shutdown. Jobs that outlive the
// grace period lose their lease and are requeued by another worker.
func (w *Worker) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sem.Acquire(drainCtx, int64(maxInt(w.cfg.WorkerConcurrency, 1))); err != nil {
		w.logger.Warn("shutdown drain timed out", nil)
	}
}

// cleanupLoop expires stuck leases and refreshes queue depth gauges.
func (w *Worker) cleanupLoop(ctx context.Context) {
	interval := w.cfg.CleanupInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		backoff := func(attempt int) time.Duration {
			return Backoff(w.cfg.BackoffBase.Duration, w.cfg.BackoffMax.Duration, attempt)
		}
		requeued, failed, err := w.store.ExpireStuckRuns(ctx, backoff)
		if err != nil {
			w.logger.Error("run lease sweep failed", map[string]any{"error": err.Error()})
		} else if requeued+failed > 0 {
			w.metrics.ExpiredLeases.WithLabelValues("runs").Add(float64(requeued + failed))
			w.logger.Warn("expired run leases", map[string]any{
				"requeued": requeued,
				"failed":   failed,
			})
		}
		n, err := w.store.ExpireStuckEnvironments(ctx)
		if err != nil {
			w.logger.Error("environment lease sweep failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			w.metrics.ExpiredLeases.WithLabelValues("environments").Add(float64(n))
			w.logger.Warn("expired environment leases", map[string]any{"count": n})
		}

		runDepths, envDepths, err := w.store.QueueDepths(ctx)
		if err == nil {
			for status, count := range runDepths {
				w.metrics.QueueDepth.WithLabelValues("runs", status).Set(float64(count))
			}
			for status, count := range envDepths {
				w.metrics.QueueDepth.WithLabelValues("environments", status).Set(float64(count))
			}
		}
	}
}

// gcLoop runs the garbage collection passes on a jittered interval so a
// fleet of workers does not sweep in lockstep.
func (w *Worker) gcLoop(ctx context.Context) {
	interval := w.cfg.GCInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 10))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}
		w.collectEnvironments(ctx)
		w.collectRunArtifacts(ctx)
	}
}

// publishRunComplete notifies the configured adapter of a terminal run.
// Publishing is best-effort: failures are logged, never retried here.
func (w *Worker) publishRunComplete(ctx context.Context, run *types.Run, status types.RunStatus) {
	w.metrics.RunOutcomes.WithLabelValues(string(status)).Inc()
	if w.publisher == nil {
		return
	}
	timeout := w.cfg.NotifyTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	event := adapter.NewRunCompletedEvent(run, status)
	if err := w.publisher.Publish(pubCtx, event); err != nil {
		w.logger.Error("run completion publish failed", map[string]any{
			"run_id": run.ID.String(),
			"error":  err.Error(),
		})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
