// Package config loads and validates the conveyor runtime configuration.
// Every vault gets a conveyor.yaml at its root; values may be overridden
// through CONVEYOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration, validated at startup.
type Config struct {
	Vault    VaultConfig    `mapstructure:"vault"`
	Intake   IntakeConfig   `mapstructure:"intake"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
}

// VaultConfig locates the on-disk vault.
type VaultConfig struct {
	// Root is the directory holding the six vault namespaces.
	Root string `mapstructure:"root"`
}

// IntakeConfig controls the intake watcher.
type IntakeConfig struct {
	// PollIntervalSeconds is the tick interval for the intake scan loop.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// MaxEntryBytes rejects intake entries larger than this size.
	MaxEntryBytes int64 `mapstructure:"max_entry_bytes"`
	// AllowedExtensions lists acceptable intake file extensions (with dot).
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	// SecretPatterns are regular expressions that mark content as
	// secret-tainted. When empty the built-in pattern set is used.
	SecretPatterns []string `mapstructure:"secret_patterns"`
}

// ExecutorConfig controls the completion-driven executor.
type ExecutorConfig struct {
	// PollIntervalSeconds is the tick interval for work selection.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// MaxCycles caps reprocessing cycles per item before escalation.
	MaxCycles int `mapstructure:"max_cycles"`
	// CooldownSeconds is the pause between completion cycles.
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	// RetryBudget is the per-step retry allowance.
	RetryBudget int `mapstructure:"retry_budget"`
	// MaxChainDepth is the hard limit on nested delegated invocations.
	MaxChainDepth int `mapstructure:"max_chain_depth"`
	// Workers bounds how many items may be processed concurrently.
	Workers int `mapstructure:"workers"`
}

// OracleConfig configures the reasoning oracle client.
type OracleConfig struct {
	// Endpoint is the chat-completion URL. Empty selects the scripted
	// offline oracle.
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	// TimeoutSeconds bounds a single oracle invocation.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

const configName = "conveyor"

// Load reads conveyor.yaml from the vault root, applies defaults and
// environment overrides, and validates the result.
func Load(vaultRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(vaultRoot)
	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, vaultRoot)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s.yaml: %w", configName, err)
		}
		// No file is fine; defaults plus env cover the full surface.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize(vaultRoot)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, vaultRoot string) {
	v.SetDefault("vault.root", vaultRoot)
	v.SetDefault("intake.poll_interval_seconds", 3)
	v.SetDefault("intake.max_entry_bytes", int64(1<<20))
	v.SetDefault("intake.allowed_extensions", []string{".md", ".txt", ".json", ".csv", ".yaml", ".yml"})
	v.SetDefault("intake.secret_patterns", []string{})
	v.SetDefault("executor.poll_interval_seconds", 5)
	v.SetDefault("executor.max_cycles", 10)
	v.SetDefault("executor.cooldown_seconds", 2)
	v.SetDefault("executor.retry_budget", 1)
	v.SetDefault("executor.max_chain_depth", 3)
	v.SetDefault("executor.workers", 2)
	v.SetDefault("oracle.endpoint", "")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.timeout_seconds", 120)
}

func (c *Config) normalize(vaultRoot string) {
	c.Vault.Root = strings.TrimSpace(c.Vault.Root)
	if c.Vault.Root == "" {
		c.Vault.Root = vaultRoot
	}
	c.Vault.Root = filepath.Clean(c.Vault.Root)
	for i, ext := range c.Intake.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Intake.AllowedExtensions[i] = ext
	}
	c.Oracle.Endpoint = strings.TrimSpace(c.Oracle.Endpoint)
}

// Validate rejects configurations the pipeline cannot safely run with.
func (c *Config) Validate() error {
	if c.Vault.Root == "" {
		return fmt.Errorf("config: vault.root is required")
	}
	if c.Intake.PollIntervalSeconds < 1 {
		return fmt.Errorf("config: intake.poll_interval_seconds must be >= 1")
	}
	if c.Intake.MaxEntryBytes < 1 {
		return fmt.Errorf("config: intake.max_entry_bytes must be >= 1")
	}
	if len(c.Intake.AllowedExtensions) == 0 {
		return fmt.Errorf("config: intake.allowed_extensions must not be empty")
	}
	if c.Executor.PollIntervalSeconds < 1 {
		return fmt.Errorf("config: executor.poll_interval_seconds must be >= 1")
	}
	if c.Executor.MaxCycles < 1 {
		return fmt.Errorf("config: executor.max_cycles must be >= 1")
	}
	if c.Executor.CooldownSeconds < 0 {
		return fmt.Errorf("config: executor.cooldown_seconds must be >= 0")
	}
	if c.Executor.RetryBudget < 0 {
		return fmt.Errorf("config: executor.retry_budget must be >= 0")
	}
	if c.Executor.MaxChainDepth < 1 {
		return fmt.Errorf("config: executor.max_chain_depth must be >= 1")
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("config: executor.workers must be >= 1")
	}
	if c.Oracle.TimeoutSeconds < 1 {
		return fmt.Errorf("config: oracle.timeout_seconds must be >= 1")
	}
	return nil
}

// IntakePollInterval returns the watcher tick as a duration.
func (c *Config) IntakePollInterval() time.Duration {
	return time.Duration(c.Intake.PollIntervalSeconds) * time.Second
}

// ExecutorPollInterval returns the work-selection tick as a duration.
func (c *Config) ExecutorPollInterval() time.Duration {
	return time.Duration(c.Executor.PollIntervalSeconds) * time.Second
}

// Cooldown returns the inter-cycle pause as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Executor.CooldownSeconds) * time.Second
}

// OracleTimeout bounds a single oracle invocation.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}
