package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Retries.Max != 2 {
		t.Errorf("retries.max = %d, want 2", cfg.Retries.Max)
	}
	if cfg.Retries.BackoffBase != time.Second {
		t.Errorf("backoff_base = %v, want 1s", cfg.Retries.BackoffBase)
	}
	if cfg.Sweeps.StaleTaskCutoff != 30*time.Minute {
		t.Errorf("stale_task_cutoff = %v, want 30m", cfg.Sweeps.StaleTaskCutoff)
	}
	if cfg.Defaults.DeploymentModel != string(models.DeployLocal) {
		t.Errorf("deployment_model = %s, want local", cfg.Defaults.DeploymentModel)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
ledger:
  path: /tmp/custom/ledger.db
retries:
  max: 5
  backoff_base: 2s
workers:
  ceilings:
    backend: 3
    qa: 1
sweeps:
  stale_task_cutoff: 10m
defaults:
  deployment_model: production
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Ledger.Path != "/tmp/custom/ledger.db" {
		t.Errorf("ledger.path = %s", cfg.Ledger.Path)
	}
	if cfg.Retries.Max != 5 {
		t.Errorf("retries.max = %d, want 5", cfg.Retries.Max)
	}
	if cfg.Retries.BackoffBase != 2*time.Second {
		t.Errorf("backoff_base = %v, want 2s", cfg.Retries.BackoffBase)
	}
	// Unset keys keep their defaults.
	if cfg.Retries.BackoffMax != 30*time.Second {
		t.Errorf("backoff_max = %v, want default 30s", cfg.Retries.BackoffMax)
	}
	if cfg.Sweeps.StaleTaskCutoff != 10*time.Minute {
		t.Errorf("stale_task_cutoff = %v, want 10m", cfg.Sweeps.StaleTaskCutoff)
	}

	ceilings, err := cfg.CeilingsByKind()
	if err != nil {
		t.Fatalf("ceilings: %v", err)
	}
	if ceilings[models.WorkerBackend] != 3 || ceilings[models.WorkerQA] != 1 {
		t.Errorf("ceilings = %v", ceilings)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestCeilingsByKindRejectsUnknownKind(t *testing.T) {
	cfg := Default()
	cfg.Workers.Ceilings = map[string]int{"plumber": 2}
	if _, err := cfg.CeilingsByKind(); err == nil {
		t.Error("expected error for unknown worker kind")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := Default()
	cfg.Retries.Max = 4
	cfg.Workers.Ceilings = map[string]int{"frontend": 2}

	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFromPath(GetUserConfigPath())
	if err != nil {
		t.Fatalf("load saved: %v", err)
	}
	if loaded.Retries.Max != 4 {
		t.Errorf("retries.max = %d, want 4", loaded.Retries.Max)
	}
	if loaded.Workers.Ceilings["frontend"] != 2 {
		t.Errorf("ceilings = %v", loaded.Workers.Ceilings)
	}
}
