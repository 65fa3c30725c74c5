package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when neither the config file nor the environment says otherwise.
const (
	DefaultMaxWorkers    = 4
	DefaultMaxRetries    = 3
	DefaultDashboardPort = 8321
	DefaultWorkerTimeout = 10 * time.Minute
	DefaultDBFilename    = "batchpilot.db"
	DefaultStorageDir    = ".batchpilot"
)

// Environment variables recognized as overrides.
const (
	EnvStoragePath   = "BATCHPILOT_STORAGE_PATH"
	EnvDashboardPort = "BATCHPILOT_DASHBOARD_PORT"
	EnvMaxWorkers    = "BATCHPILOT_MAX_WORKERS"
	EnvMaxRetries    = "BATCHPILOT_MAX_RETRIES"
	EnvSkipTest      = "BATCHPILOT_SKIP_TEST"
)

type Config struct {
	// StoragePath is the directory holding the SQLite database and PID files.
	StoragePath   string `yaml:"storage_path"`
	DashboardPort int    `yaml:"dashboard_port"`
	MaxWorkers    int    `yaml:"max_workers"`
	MaxRetries    int    `yaml:"max_retries"`
	SkipTest      bool   `yaml:"skip_test"`

	Agent AgentConfig `yaml:"agent"`
}

type AgentConfig struct {
	Command         string        `yaml:"command"`
	Model           string        `yaml:"model"`
	MaxTurns        int           `yaml:"max_turns"`
	Timeout         time.Duration `yaml:"timeout"`
	GrantFileAccess bool          `yaml:"grant_file_access"`
}

// Default returns a config with all defaults filled in.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		StoragePath:   filepath.Join(home, DefaultStorageDir),
		DashboardPort: DefaultDashboardPort,
		MaxWorkers:    DefaultMaxWorkers,
		MaxRetries:    DefaultMaxRetries,
		Agent: AgentConfig{
			Command: "claude",
			Timeout: DefaultWorkerTimeout,
		},
	}
}

// Load reads a YAML config file, fills in defaults, and applies environment
// overrides. A missing file is not an error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStoragePath); v != "" {
		c.StoragePath = v
	}
	if v := os.Getenv(EnvDashboardPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.DashboardPort = port
		}
	}
	if v := os.Getenv(EnvMaxWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			c.MaxWorkers = n
		}
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxRetries = n
		}
	}
	if SkipTestEnv() {
		c.SkipTest = true
	}
}

func (c *Config) applyDefaults() {
	if c.StoragePath == "" {
		c.StoragePath = Default().StoragePath
	}
	if c.DashboardPort == 0 {
		c.DashboardPort = DefaultDashboardPort
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = DefaultWorkerTimeout
	}
}

// DBPath returns the full path of the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.StoragePath, DefaultDBFilename)
}

// SkipTestEnv reports whether the skip-test environment flag is set.
func SkipTestEnv() bool {
	v := strings.ToLower(os.Getenv(EnvSkipTest))
	return v == "1" || v == "true"
}
