package pathsafe

import (
	"path/filepath"
	"runtime"
	"strings"
)

// Layout resolves the on-disk layout under a single data directory:
//
//	<data>/workspaces/<ws>/{config_packages,documents,runs}
//	<data>/venvs/<ws>/<config>/<deps_digest>/<env_id>/.venv
//	<data>/cache/pip
//
// Nothing outside the data directory is ever produced.
type Layout struct {
	workspaces Root
	venvs      Root
	cache      Root
}

// NewLayout creates a Layout rooted at dataDir. The workspaces and venvs
// roots can be overridden independently (ADE_WORKSPACES_DIR, ADE_VENVS_DIR);
// empty overrides fall back to the data dir defaults.
func NewLayout(dataDir, workspacesDir, venvsDir, pipCacheDir string) Layout {
	if workspacesDir == "" {
		workspacesDir = filepath.Join(dataDir, "workspaces")
	}
	if venvsDir == "" {
		venvsDir = filepath.Join(dataDir, "venvs")
	}
	if pipCacheDir == "" {
		pipCacheDir = filepath.Join(dataDir, "cache", "pip")
	}
	return Layout{
		workspaces: NewRoot(workspacesDir),
		venvs:      NewRoot(venvsDir),
		cache:      NewRoot(pipCacheDir),
	}
}

// PipCacheDir returns the shared pip/uv download cache directory.
func (l Layout) PipCacheDir() string { return l.cache.Base() }

// WorkspaceDir returns the root directory for one workspace.
func (l Layout) WorkspaceDir(workspaceID string) (string, error) {
	return l.workspaces.Join(workspaceID)
}

// DocumentPath resolves a stored document URI inside the workspace
// documents root. file: schemes are stripped; the remainder is always
// treated as relative to the documents root.
func (l Layout) DocumentPath(workspaceID, storedURI string) (string, error) {
	rel := strings.TrimLeft(FromFileURI(storedURI), "/")
	return l.workspaces.Join(workspaceID, "documents", rel)
}

// DocumentsDir returns the documents root for a workspace.
func (l Layout) DocumentsDir(workspaceID string) (string, error) {
	return l.workspaces.Join(workspaceID, "documents")
}

// ConfigPackageDir returns the package directory owned by config storage
// for one configuration.
func (l Layout) ConfigPackageDir(workspaceID, configurationID string) (string, error) {
	return l.workspaces.Join(workspaceID, "config_packages", configurationID)
}

// ConfigPackagesDir returns the parent of all config package dirs in a
// workspace. Staging directories are created here so the final rename is
// within one filesystem.
func (l Layout) ConfigPackagesDir(workspaceID string) (string, error) {
	return l.workspaces.Join(workspaceID, "config_packages")
}

// RunDir returns the directory holding one run's inputs, outputs, and
// event log.
func (l Layout) RunDir(workspaceID, runID string) (string, error) {
	return l.workspaces.Join(workspaceID, "runs", runID)
}

// RunInputDir returns the staged-input directory for a run.
func (l Layout) RunInputDir(workspaceID, runID string) (string, error) {
	return l.workspaces.Join(workspaceID, "runs", runID, "input")
}

// RunOutputDir returns the engine output directory for a run.
func (l Layout) RunOutputDir(workspaceID, runID string) (string, error) {
	return l.workspaces.Join(workspaceID, "runs", runID, "output")
}

// RunEventLogPath returns the NDJSON event log path for a run.
func (l Layout) RunEventLogPath(workspaceID, runID string) (string, error) {
	return l.workspaces.Join(workspaceID, "runs", runID, "events.ndjson")
}

// EnvRoot returns the root directory for one environment build.
func (l Layout) EnvRoot(workspaceID, configurationID, depsDigest, envID string) (string, error) {
	return l.venvs.Join(workspaceID, configurationID, digestDirName(depsDigest), envID)
}

// VenvDir returns the .venv directory inside an environment root.
func (l Layout) VenvDir(workspaceID, configurationID, depsDigest, envID string) (string, error) {
	return l.venvs.Join(workspaceID, configurationID, digestDirName(depsDigest), envID, ".venv")
}

// EnvEventLogPath returns the NDJSON event log path for an environment build.
func (l Layout) EnvEventLogPath(workspaceID, configurationID, depsDigest, envID string) (string, error) {
	return l.venvs.Join(workspaceID, configurationID, digestDirName(depsDigest), envID, "events.ndjson")
}

// PythonInVenv returns the interpreter path inside a venv, platform-aware.
func PythonInVenv(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

// digestDirName strips the algorithm prefix from a digest so directory
// names never contain a colon.
func digestDirName(digest string) string {
	if _, hex, ok := strings.Cut(digest, ":"); ok {
		return hex
	}
	return digest
}
