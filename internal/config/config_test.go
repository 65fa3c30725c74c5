package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.DashboardPort != DefaultDashboardPort {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q", cfg.Agent.Command)
	}
	if cfg.Agent.Timeout != DefaultWorkerTimeout {
		t.Errorf("Agent.Timeout = %v", cfg.Agent.Timeout)
	}
	if cfg.StoragePath == "" {
		t.Error("StoragePath empty")
	}
	if filepath.Base(cfg.DBPath()) != DefaultDBFilename {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage_path: /var/lib/batchpilot
max_workers: 8
skip_test: true
agent:
  command: claude-dev
  model: claude-sonnet-4-5
  max_turns: 40
  timeout: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePath != "/var/lib/batchpilot" {
		t.Errorf("StoragePath = %q", cfg.StoragePath)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if !cfg.SkipTest {
		t.Error("SkipTest not set")
	}
	if cfg.Agent.Command != "claude-dev" || cfg.Agent.MaxTurns != 40 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Agent.Timeout != 5*time.Minute {
		t.Errorf("Agent.Timeout = %v", cfg.Agent.Timeout)
	}
	// Unset fields keep their defaults.
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.DashboardPort != DefaultDashboardPort {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should use defaults: %v", err)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_workers: [not a number"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStoragePath, "/env/storage")
	t.Setenv(EnvDashboardPort, "9999")
	t.Setenv(EnvMaxWorkers, "16")
	t.Setenv(EnvMaxRetries, "0")
	t.Setenv(EnvSkipTest, "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePath != "/env/storage" {
		t.Errorf("StoragePath = %q", cfg.StoragePath)
	}
	if cfg.DashboardPort != 9999 {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
	if cfg.MaxWorkers != 16 {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, zero retries is a valid choice", cfg.MaxRetries)
	}
	if !cfg.SkipTest {
		t.Error("SkipTest not applied from environment")
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "zero")
	t.Setenv(EnvDashboardPort, "not-a-port")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.DashboardPort != DefaultDashboardPort {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
}

func TestSkipTestEnv(t *testing.T) {
	t.Setenv(EnvSkipTest, "")
	if SkipTestEnv() {
		t.Error("empty env should not skip")
	}
	t.Setenv(EnvSkipTest, "1")
	if !SkipTestEnv() {
		t.Error("\"1\" should skip")
	}
	t.Setenv(EnvSkipTest, "TRUE")
	if !SkipTestEnv() {
		t.Error("\"TRUE\" should skip")
	}
	t.Setenv(EnvSkipTest, "no")
	if SkipTestEnv() {
		t.Error("\"no\" should not skip")
	}
}
