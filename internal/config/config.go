// Package config handles configuration loading and management for Loom.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loomworks/loom/pkg/models"
)

// Config holds all configuration for Loom.
type Config struct {
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Retries  RetriesConfig  `mapstructure:"retries"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Sweeps   SweepsConfig   `mapstructure:"sweeps"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
}

// LedgerConfig holds ledger database settings.
type LedgerConfig struct {
	// Path is the ledger database file, relative to the project root
	// unless absolute.
	Path string `mapstructure:"path"`
}

// RetriesConfig holds task retry settings.
type RetriesConfig struct {
	// Max is the number of failed->pending retries before a task fails
	// terminally.
	Max int `mapstructure:"max"`
	// BackoffBase is the delay before the first retry; each further
	// retry doubles it.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// WorkersConfig holds worker scheduling settings.
type WorkersConfig struct {
	// Ceilings caps concurrently in-progress tasks per worker kind.
	// A kind absent from the map is unlimited.
	Ceilings map[string]int `mapstructure:"ceilings"`
}

// SweepsConfig holds background sweep settings.
type SweepsConfig struct {
	// StaleTaskCutoff is how long a task may sit in_progress before the
	// sweep fails it on the worker's behalf.
	StaleTaskCutoff time.Duration `mapstructure:"stale_task_cutoff"`
	// LockStaleAfter is how long an idle epic may hold a contract lock
	// before the sweep releases it.
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after"`
	// Interval is how often the orchestrator runs its sweeps.
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultsConfig holds default values for new features.
type DefaultsConfig struct {
	DeploymentModel string `mapstructure:"deployment_model"`
}

// CeilingsByKind converts the configured ceilings to worker kinds,
// rejecting unknown kind names.
func (c *Config) CeilingsByKind() (map[models.WorkerKind]int, error) {
	out := make(map[models.WorkerKind]int, len(c.Workers.Ceilings))
	for name, ceiling := range c.Workers.Ceilings {
		kind := models.WorkerKind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("workers.ceilings: unknown worker kind %q", name)
		}
		out[kind] = ceiling
	}
	return out, nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (LOOM_*)
// 2. Project config (.loom.yaml in current directory or parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("LOOM")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("ledger.path", cfg.Ledger.Path)
	v.Set("retries.max", cfg.Retries.Max)
	v.Set("retries.backoff_base", cfg.Retries.BackoffBase.String())
	v.Set("retries.backoff_max", cfg.Retries.BackoffMax.String())
	v.Set("workers.ceilings", cfg.Workers.Ceilings)
	v.Set("sweeps.stale_task_cutoff", cfg.Sweeps.StaleTaskCutoff.String())
	v.Set("sweeps.lock_stale_after", cfg.Sweeps.LockStaleAfter.String())
	v.Set("sweeps.interval", cfg.Sweeps.Interval.String())
	v.Set("defaults.deployment_model", cfg.Defaults.DeploymentModel)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Ledger defaults
	v.SetDefault("ledger.path", filepath.Join(".loom", "ledger.db"))

	// Retry defaults
	v.SetDefault("retries.max", 2)
	v.SetDefault("retries.backoff_base", "1s")
	v.SetDefault("retries.backoff_max", "30s")

	// Worker defaults: no ceilings, all kinds unlimited
	v.SetDefault("workers.ceilings", map[string]int{})

	// Sweep defaults
	v.SetDefault("sweeps.stale_task_cutoff", "30m")
	v.SetDefault("sweeps.lock_stale_after", "1h")
	v.SetDefault("sweeps.interval", "1m")

	// Feature defaults
	v.SetDefault("defaults.deployment_model", string(models.DeployLocal))
}

// getUserConfigDir returns the XDG config directory for Loom.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}

	// Fall back to ~/.config/loom
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".loom.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Path: filepath.Join(".loom", "ledger.db"),
		},
		Retries: RetriesConfig{
			Max:         2,
			BackoffBase: time.Second,
			BackoffMax:  30 * time.Second,
		},
		Workers: WorkersConfig{
			Ceilings: map[string]int{},
		},
		Sweeps: SweepsConfig{
			StaleTaskCutoff: 30 * time.Minute,
			LockStaleAfter:  time.Hour,
			Interval:        time.Minute,
		},
		Defaults: DefaultsConfig{
			DeploymentModel: string(models.DeployLocal),
		},
	}
}
