package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.JobLease.Duration != 60*time.Second {
		t.Errorf("job lease = %v, want 60s", s.JobLease.Duration)
	}
	if s.JobMaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", s.JobMaxAttempts)
	}
	if s.PollInterval.Duration != time.Second || s.PollIntervalMax.Duration != 10*time.Second {
		t.Errorf("poll = %v/%v, want 1s/10s", s.PollInterval.Duration, s.PollIntervalMax.Duration)
	}
	if s.StorageBackend != "local" {
		t.Errorf("storage backend = %q, want local", s.StorageBackend)
	}
	if s.ConfigImportMaxBytes != 10<<20 {
		t.Errorf("import cap = %d, want %d", s.ConfigImportMaxBytes, 10<<20)
	}
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ADE_DB", "postgres://u:p@db/ade")
	path := filepath.Join(t.TempDir(), "ade.yaml")
	content := "database_url: ${TEST_ADE_DB}\njob_lease: 90s\nworker_concurrency: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DatabaseURL != "postgres://u:p@db/ade" {
		t.Errorf("database_url = %q", s.DatabaseURL)
	}
	if s.JobLease.Duration != 90*time.Second {
		t.Errorf("job_lease = %v, want 90s", s.JobLease.Duration)
	}
	if s.WorkerConcurrency != 2 {
		t.Errorf("concurrency = %d, want 2", s.WorkerConcurrency)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ADE_WORKER_JOB_LEASE_SECONDS", "120")
	t.Setenv("ADE_WORKER_JOB_MAX_ATTEMPTS", "5")
	path := filepath.Join(t.TempDir(), "ade.yaml")
	if err := os.WriteFile(path, []byte("job_lease: 30s\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.JobLease.Duration != 120*time.Second {
		t.Errorf("env should override file: lease = %v", s.JobLease.Duration)
	}
	if s.JobMaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", s.JobMaxAttempts)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ade.yaml")
	if err := os.WriteFile(path, []byte("database_url: [unterminated"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid YAML should fail")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("EXPAND_SET", "value")
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"${EXPAND_SET}", "value"},
		{"${EXPAND_UNSET_XYZ}", ""},
		{"${EXPAND_UNSET_XYZ:-fallback}", "fallback"},
		{"prefix-${EXPAND_SET}-suffix", "prefix-value-suffix"},
	}
	for _, c := range cases {
		if got := ExpandEnv(c.in); got != c.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDefaultConcurrency_Clamped(t *testing.T) {
	n := DefaultConcurrency()
	if n < 1 || n > 4 {
		t.Errorf("concurrency = %d, want within [1,4]", n)
	}
}
