package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ade-io/ade/events"
	"github.com/ade-io/ade/pathsafe"
	"github.com/ade-io/ade/runner"
	"github.com/ade-io/ade/store"
	"github.com/ade-io/ade/types"
)

// buildEnvironment provisions one claimed environment: fresh root, venv,
// engine + config package install, version probes, guarded ack. Any failure
// acks the row failed with the captured error; environments have no
// automatic retry.
func (w *Worker) buildEnvironment(ctx context.Context, env *types.Environment) {
	logger := w.logger.WithEnvironment(env.ID.String()).WithWorkspace(env.WorkspaceID.String())

	sink := w.envSink(env)
	defer func() { _ = sink.Close() }()
	emit := func(ev types.Event) {
		ev = ev.WithContext(map[string]any{
			"environment_id": env.ID.String(),
			"worker_id":      w.id,
		})
		if err := sink.Write(ev); err != nil {
			logger.Warn("event log write failed", map[string]any{"error": err.Error()})
		}
	}
	emit(types.NewEvent("info", "environment.start", "environment build started"))

	info, err := w.provision(ctx, env, emit)
	if err != nil {
		w.metrics.EnvOutcomes.WithLabelValues("failed").Inc()
		emit(types.NewEvent("error", "environment.failed", err.Error()))
		logger.Error("environment build failed", map[string]any{"error": err.Error()})
		if ackErr := w.store.AckEnvironmentFailure(ctx, env.ID, w.id, err.Error()); ackErr != nil {
			if errors.Is(ackErr, store.ErrLostClaim) {
				emit(types.NewEvent("warning", "environment.lost_claim", "claim lost before failure ack"))
				logger.Warn("environment claim lost", nil)
				return
			}
			logger.Error("environment failure ack failed", map[string]any{"error": ackErr.Error()})
		}
		return
	}

	emit(types.NewEvent("info", "environment.versions", "interpreter probed").WithData(map[string]any{
		"python_version": info.PythonVersion,
		"engine_version": info.EngineVersion,
	}))

	if err := w.store.AckEnvironmentSuccess(ctx, env.ID, w.id, info); err != nil {
		if errors.Is(err, store.ErrLostClaim) {
			// Another worker owns the row now; leave the filesystem alone.
			emit(types.NewEvent("warning", "environment.lost_claim", "claim lost before success ack"))
			logger.Warn("environment claim lost", nil)
			return
		}
		logger.Error("environment ack failed", map[string]any{"error": err.Error()})
		return
	}
	w.metrics.EnvOutcomes.WithLabelValues("ready").Inc()
	emit(types.NewEvent("info", "environment.complete", "environment ready"))
	logger.Info("environment ready", map[string]any{
		"python_version": info.PythonVersion,
		"engine_version": info.EngineVersion,
	})
}

func (w *Worker) envSink(env *types.Environment) events.Sink {
	path, err := w.layout.EnvEventLogPath(env.WorkspaceID.String(), env.ConfigurationID.String(), env.DepsDigest, env.ID.String())
	if err == nil {
		if s, serr := events.NewFileSink(path); serr == nil {
			return s
		}
	}
	return events.Discard{}
}

// provision does the filesystem work of a build under the build deadline.
func (w *Worker) provision(ctx context.Context, env *types.Environment, emit func(types.Event)) (store.EnvironmentBuildInfo, error) {
	var info store.EnvironmentBuildInfo

	root, err := w.layout.EnvRoot(env.WorkspaceID.String(), env.ConfigurationID.String(), env.DepsDigest, env.ID.String())
	if err != nil {
		return info, err
	}
	venv, err := w.layout.VenvDir(env.WorkspaceID.String(), env.ConfigurationID.String(), env.DepsDigest, env.ID.String())
	if err != nil {
		return info, err
	}
	// A previous half-built tree is worthless; start clean.
	if err := os.RemoveAll(root); err != nil {
		return info, fmt.Errorf("wipe environment root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return info, fmt.Errorf("create environment root: %w", err)
	}

	deadline := time.Now().Add(w.cfg.BuildTimeout.Duration)
	remaining := func() time.Duration { return time.Until(deadline) }
	heartbeat := runner.Heartbeat{
		Fn:       func() { _ = w.store.HeartbeatEnvironment(ctx, env.ID, w.id, w.cfg.JobLease.Duration) },
		Interval: w.cfg.JobLease.Duration / 3,
	}
	buildEnv := append(os.Environ(),
		"UV_CACHE_DIR="+w.layout.PipCacheDir(),
		"PIP_CACHE_DIR="+w.layout.PipCacheDir(),
	)
	step := func(scope, path string, args ...string) error {
		if remaining() <= 0 {
			return fmt.Errorf("%s: build timeout exceeded", scope)
		}
		res, err := runner.Run(ctx, runner.Command{
			Path:      path,
			Args:      args,
			Dir:       root,
			Env:       buildEnv,
			Scope:     scope,
			Timeout:   remaining(),
			Heartbeat: heartbeat,
			OnEvent:   emit,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", scope, err)
		}
		if res.TimedOut {
			return fmt.Errorf("%s: build timeout exceeded", scope)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%s: exit %d", scope, res.ExitCode)
		}
		return nil
	}

	// Venv creation: uv when available, stdlib venv otherwise.
	if uv, lookErr := exec.LookPath("uv"); lookErr == nil {
		if err := step("environment.venv", uv, "venv", venv); err != nil {
			return info, err
		}
	} else {
		if err := step("environment.venv", "python3", "-m", "venv", venv); err != nil {
			return info, err
		}
	}
	python := pathsafe.PythonInVenv(venv)

	// Engine reference: a resolvable local path installs editable, anything
	// else is treated as a requirement spec.
	engineRef := w.cfg.EngineSpec
	if st, statErr := os.Stat(engineRef); statErr == nil && st.IsDir() {
		if err := step("environment.engine", python, "-m", "pip", "install", "-e", engineRef); err != nil {
			return info, err
		}
	} else {
		if err := step("environment.engine", python, "-m", "pip", "install", engineRef); err != nil {
			return info, err
		}
	}

	// The config package installs editable from its storage dir.
	pkgDir, err := w.packages.PackageDir(env.WorkspaceID.String(), env.ConfigurationID.String())
	if err != nil {
		return info, err
	}
	if err := step("environment.package", python, "-m", "pip", "install", "-e", pkgDir); err != nil {
		return info, err
	}

	pythonVersion, err := probe(ctx, python, "--version")
	if err != nil {
		return info, fmt.Errorf("probe python version: %w", err)
	}
	engineVersion, err := probe(ctx, python, "-c",
		"import importlib.metadata; print(importlib.metadata.version("+pyquote(w.cfg.EngineDepName)+"))")
	if err != nil {
		return info, fmt.Errorf("probe engine version: %w", err)
	}

	info.PythonInterpreter = python
	info.PythonVersion = strings.TrimPrefix(pythonVersion, "Python ")
	info.EngineVersion = engineVersion
	return info, nil
}

// probe runs a short command and returns its trimmed single-line output.
func probe(ctx context.Context, path string, args ...string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, path, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%v: %s", err, bytes.TrimSpace(out))
	}
	return strings.TrimSpace(string(out)), nil
}

func pyquote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "") + "'"
}
