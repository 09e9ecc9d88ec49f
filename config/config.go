// Package config loads control-plane and worker settings. Values come from
// an optional ade.yaml file with ${VAR} expansion, overridden by ADE_*
// environment variables. CLI flags sit on top of both.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Settings is the full configuration surface of the control plane and the
// worker. Zero values are replaced by defaults in ApplyDefaults.
type Settings struct {
	DatabaseURL string `yaml:"database_url"`

	DataDir       string `yaml:"data_dir"`
	WorkspacesDir string `yaml:"workspaces_dir"`
	VenvsDir      string `yaml:"venvs_dir"`
	PipCacheDir   string `yaml:"pip_cache_dir"`

	EngineSpec        string   `yaml:"engine_spec"`
	RunTimeout        Duration `yaml:"run_timeout"`
	BuildTimeout      Duration `yaml:"build_timeout"`
	WorkerConcurrency int      `yaml:"worker_concurrency"`

	JobLease        Duration `yaml:"job_lease"`
	JobMaxAttempts  int      `yaml:"job_max_attempts"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max"`
	PollInterval    Duration `yaml:"poll_interval"`
	PollIntervalMax Duration `yaml:"poll_interval_max"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	GCInterval      Duration `yaml:"gc_interval"`
	EnvTTLDays      int      `yaml:"env_ttl_days"`
	// RunArtifactTTLDays <= 0 disables run-artifact GC.
	RunArtifactTTLDays int `yaml:"run_artifact_ttl_days"`

	ConfigImportMaxBytes int64 `yaml:"config_import_max_bytes"`
	DocumentMaxBytes     int64 `yaml:"document_max_bytes"`

	StorageBackend string `yaml:"storage_backend"` // "local" or "s3"
	BlobAccountURL string `yaml:"blob_account_url"`
	BlobContainer  string `yaml:"blob_container"`
	BlobPrefix     string `yaml:"blob_prefix"`
	BlobRegion     string `yaml:"blob_region"`
	BlobPathStyle  bool   `yaml:"blob_path_style"`

	SecretKey             string `yaml:"secret_key"`
	SessionCookieName     string `yaml:"session_cookie_name"`
	SessionCSRFCookieName string `yaml:"session_csrf_cookie_name"`

	ListenAddr    string `yaml:"listen_addr"`
	TemplateDir   string `yaml:"template_dir"`
	EngineDepName string `yaml:"engine_dep_name"`

	NotifyAdapter string   `yaml:"notify_adapter"` // "", "webhook", "redis"
	NotifyURL     string   `yaml:"notify_url"`
	NotifyChannel string   `yaml:"notify_channel"`
	NotifyTimeout Duration `yaml:"notify_timeout"`
}

// EnvTTL is the idle-environment retention as a duration.
func (s *Settings) EnvTTL() time.Duration {
	return time.Duration(s.EnvTTLDays) * 24 * time.Hour
}

// RunArtifactTTL is the run-artifact retention as a duration; zero or
// negative disables the pass.
func (s *Settings) RunArtifactTTL() time.Duration {
	return time.Duration(s.RunArtifactTTLDays) * 24 * time.Hour
}

// ApplyDefaults fills unset values.
func (s *Settings) ApplyDefaults() {
	if s.DataDir == "" {
		s.DataDir = "./data"
	}
	if s.EngineSpec == "" {
		s.EngineSpec = "default-engine"
	}
	if s.EngineDepName == "" {
		s.EngineDepName = "ade-engine"
	}
	if s.RunTimeout.Duration <= 0 {
		s.RunTimeout.Duration = 15 * time.Minute
	}
	if s.BuildTimeout.Duration <= 0 {
		s.BuildTimeout.Duration = 10 * time.Minute
	}
	if s.WorkerConcurrency <= 0 {
		s.WorkerConcurrency = DefaultConcurrency()
	}
	if s.JobLease.Duration <= 0 {
		s.JobLease.Duration = 60 * time.Second
	}
	if s.JobMaxAttempts <= 0 {
		s.JobMaxAttempts = 3
	}
	if s.BackoffBase.Duration <= 0 {
		s.BackoffBase.Duration = 5 * time.Second
	}
	if s.BackoffMax.Duration <= 0 {
		s.BackoffMax.Duration = 5 * time.Minute
	}
	if s.PollInterval.Duration <= 0 {
		s.PollInterval.Duration = time.Second
	}
	if s.PollIntervalMax.Duration <= 0 {
		s.PollIntervalMax.Duration = 10 * time.Second
	}
	if s.CleanupInterval.Duration <= 0 {
		s.CleanupInterval.Duration = 30 * time.Second
	}
	if s.GCInterval.Duration <= 0 {
		s.GCInterval.Duration = time.Hour
	}
	if s.EnvTTLDays <= 0 {
		s.EnvTTLDays = 14
	}
	if s.ConfigImportMaxBytes <= 0 {
		s.ConfigImportMaxBytes = 10 << 20
	}
	if s.DocumentMaxBytes <= 0 {
		s.DocumentMaxBytes = 100 << 20
	}
	if s.StorageBackend == "" {
		s.StorageBackend = "local"
	}
	if s.SessionCookieName == "" {
		s.SessionCookieName = "ade_session"
	}
	if s.SessionCSRFCookieName == "" {
		s.SessionCSRFCookieName = "ade_csrf"
	}
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.NotifyTimeout.Duration <= 0 {
		s.NotifyTimeout.Duration = 10 * time.Second
	}
}

// DefaultConcurrency clamps half the CPU count into [1, 4].
func DefaultConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// Load reads a YAML settings file, expands ${VAR} patterns, applies ADE_*
// env overrides, then defaults. A missing file is not an error; env and
// defaults still apply.
func Load(path string) (*Settings, error) {
	var s Settings
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		default:
			expanded := ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &s); err != nil {
				return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
			}
		}
	}
	s.applyEnv()
	s.ApplyDefaults()
	return &s, nil
}

// FromEnv builds settings from the environment alone.
func FromEnv() *Settings {
	var s Settings
	s.applyEnv()
	s.ApplyDefaults()
	return &s
}

// applyEnv overlays ADE_* environment variables onto s.
func (s *Settings) applyEnv() {
	envStr("ADE_DATABASE_URL", &s.DatabaseURL)
	envStr("ADE_DATA_DIR", &s.DataDir)
	envStr("ADE_WORKSPACES_DIR", &s.WorkspacesDir)
	envStr("ADE_VENVS_DIR", &s.VenvsDir)
	envStr("ADE_PIP_CACHE_DIR", &s.PipCacheDir)
	envStr("ADE_ENGINE_SPEC", &s.EngineSpec)
	envStr("ADE_ENGINE_DEP_NAME", &s.EngineDepName)
	envSeconds("ADE_RUN_TIMEOUT_SECONDS", &s.RunTimeout)
	envDuration("ADE_BUILD_TIMEOUT", &s.BuildTimeout)
	envInt("ADE_WORKER_CONCURRENCY", &s.WorkerConcurrency)
	envSeconds("ADE_WORKER_JOB_LEASE_SECONDS", &s.JobLease)
	envInt("ADE_WORKER_JOB_MAX_ATTEMPTS", &s.JobMaxAttempts)
	envSeconds("ADE_WORKER_JOB_BACKOFF_BASE_SECONDS", &s.BackoffBase)
	envSeconds("ADE_WORKER_JOB_BACKOFF_MAX_SECONDS", &s.BackoffMax)
	envDuration("ADE_WORKER_POLL_INTERVAL", &s.PollInterval)
	envDuration("ADE_WORKER_POLL_INTERVAL_MAX", &s.PollIntervalMax)
	envDuration("ADE_WORKER_CLEANUP_INTERVAL", &s.CleanupInterval)
	envSeconds("ADE_WORKER_GC_INTERVAL_SECONDS", &s.GCInterval)
	envInt("ADE_WORKER_ENV_TTL_DAYS", &s.EnvTTLDays)
	envInt("ADE_WORKER_RUN_ARTIFACT_TTL_DAYS", &s.RunArtifactTTLDays)
	envInt64("ADE_CONFIG_IMPORT_MAX_BYTES", &s.ConfigImportMaxBytes)
	envInt64("ADE_DOCUMENT_MAX_BYTES", &s.DocumentMaxBytes)
	envStr("ADE_STORAGE_BACKEND", &s.StorageBackend)
	envStr("ADE_BLOB_ACCOUNT_URL", &s.BlobAccountURL)
	envStr("ADE_BLOB_CONTAINER", &s.BlobContainer)
	envStr("ADE_BLOB_PREFIX", &s.BlobPrefix)
	envStr("ADE_BLOB_REGION", &s.BlobRegion)
	envBool("ADE_BLOB_PATH_STYLE", &s.BlobPathStyle)
	envStr("ADE_SECRET_KEY", &s.SecretKey)
	envStr("ADE_SESSION_COOKIE_NAME", &s.SessionCookieName)
	envStr("ADE_SESSION_CSRF_COOKIE_NAME", &s.SessionCSRFCookieName)
	envStr("ADE_LISTEN_ADDR", &s.ListenAddr)
	envStr("ADE_TEMPLATE_DIR", &s.TemplateDir)
	envStr("ADE_NOTIFY_ADAPTER", &s.NotifyAdapter)
	envStr("ADE_NOTIFY_URL", &s.NotifyURL)
	envStr("ADE_NOTIFY_CHANNEL", &s.NotifyChannel)
	envDuration("ADE_NOTIFY_TIMEOUT", &s.NotifyTimeout)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envSeconds reads an integer-seconds env key.
func envSeconds(key string, dst *Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			dst.Duration = time.Duration(n) * time.Second
		}
	}
}

// envDuration reads a Go duration string, falling back to integer seconds.
func envDuration(key string, dst *Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		dst.Duration = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		dst.Duration = time.Duration(n) * time.Second
	}
}
