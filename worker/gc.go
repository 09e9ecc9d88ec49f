package worker

import (
	"context"
	"errors"
	"os"

	"github.com/ade-io/ade/store"
)

// collectEnvironments removes venvs that are idle past the TTL and not
// pinned by an active configuration or a pending run. Disk goes first: if
// the row delete then fails, the next pass rebuilds nothing and simply
// retries the row.
func (w *Worker) collectEnvironments(ctx context.Context) {
	ttl := w.cfg.EnvTTL()
	candidates, err := w.store.IdleEnvironmentCandidates(ctx, ttl)
	if err != nil {
		w.logger.Error("environment gc scan failed", map[string]any{"error": err.Error()})
		return
	}

	scanned, deleted, skipped, failed := len(candidates), 0, 0, 0
	for _, env := range candidates {
		if ctx.Err() != nil {
			return
		}
		root, err := w.layout.EnvRoot(env.WorkspaceID.String(), env.ConfigurationID.String(), env.DepsDigest, env.ID.String())
		if err != nil {
			failed++
			w.logger.Error("environment gc path failed", map[string]any{
				"environment_id": env.ID.String(),
				"error":          err.Error(),
			})
			continue
		}
		if err := os.RemoveAll(root); err != nil {
			failed++
			w.metrics.GCFailed.WithLabelValues("environments").Inc()
			w.logger.Error("environment gc disk delete failed", map[string]any{
				"environment_id": env.ID.String(),
				"error":          err.Error(),
			})
			continue
		}
		if err := w.store.DeleteEnvironment(ctx, env.ID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Re-check lost: the environment came back into use.
				skipped++
				continue
			}
			failed++
			w.metrics.GCFailed.WithLabelValues("environments").Inc()
			w.logger.Error("environment gc row delete failed", map[string]any{
				"environment_id": env.ID.String(),
				"error":          err.Error(),
			})
			continue
		}
		deleted++
		w.metrics.GCDeleted.WithLabelValues("environments").Inc()
	}
	if scanned > 0 {
		w.logger.Info("environment gc pass", map[string]any{
			"scanned": scanned,
			"deleted": deleted,
			"skipped": skipped,
			"failed":  failed,
		})
	}
}

// collectRunArtifacts deletes run working directories for terminal runs past
// the artifact TTL and stamps the rows purged. A directory already gone is
// counted as skipped rather than deleted.
func (w *Worker) collectRunArtifacts(ctx context.Context) {
	ttl := w.cfg.RunArtifactTTL()
	if ttl <= 0 {
		return
	}
	runs, err := w.store.ExpiredRunArtifacts(ctx, ttl)
	if err != nil {
		w.logger.Error("run artifact gc scan failed", map[string]any{"error": err.Error()})
		return
	}

	scanned, deleted, skipped, failed := len(runs), 0, 0, 0
	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		dir, err := w.layout.RunDir(run.WorkspaceID.String(), run.ID.String())
		if err != nil {
			failed++
			continue
		}
		onDisk := true
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			onDisk = false
		}
		if onDisk {
			if err := os.RemoveAll(dir); err != nil {
				failed++
				w.metrics.GCFailed.WithLabelValues("run_artifacts").Inc()
				w.logger.Error("run artifact delete failed", map[string]any{
					"run_id": run.ID.String(),
					"error":  err.Error(),
				})
				continue
			}
		}
		if err := w.store.ClearRunArtifacts(ctx, run.ID); err != nil {
			failed++
			w.metrics.GCFailed.WithLabelValues("run_artifacts").Inc()
			w.logger.Error("run artifact clear failed", map[string]any{
				"run_id": run.ID.String(),
				"error":  err.Error(),
			})
			continue
		}
		// A directory already gone is still cleared so the row is not
		// rescanned, but only real deletions count as deleted.
		if onDisk {
			deleted++
			w.metrics.GCDeleted.WithLabelValues("run_artifacts").Inc()
		} else {
			skipped++
		}
	}
	if scanned > 0 {
		w.logger.Info("run artifact gc pass", map[string]any{
			"scanned": scanned,
			"deleted": deleted,
			"skipped": skipped,
			"failed":  failed,
		})
	}
}
