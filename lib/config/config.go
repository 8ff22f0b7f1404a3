// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warden-host/warden/ratelimit"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the Warden host.
type Config struct {
	// Environment identifies the deployment type (development, staging,
	// production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Supervisor configures sandbox process supervision.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Storage configures the plugin key-value store.
	Storage StorageConfig `yaml:"storage"`

	// Logs configures plugin log ingestion.
	Logs LogsConfig `yaml:"logs"`

	// Environment-specific overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Supervisor *SupervisorConfig `yaml:"supervisor,omitempty"`
	Storage    *StorageConfig    `yaml:"storage,omitempty"`
	Logs       *LogsConfig       `yaml:"logs,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Warden data.
	Root string `yaml:"root"`

	// Bin is where the Warden binaries are installed. Hermetic binary
	// paths independent of user PATH; contains warden-sandbox and
	// warden-render.
	Bin string `yaml:"bin"`

	// Plugins is the directory scanned for plugin bundles
	// (<plugins>/<id>/manifest.yaml).
	Plugins string `yaml:"plugins"`

	// Data holds per-plugin data directories.
	Data string `yaml:"data"`

	// State is where the host's databases live (plugins, permissions,
	// storage, logs).
	State string `yaml:"state"`

	// Sockets is where per-plugin sandbox sockets and the control
	// socket are created.
	Sockets string `yaml:"sockets"`
}

// SupervisorConfig configures sandbox process supervision. Durations
// are strings in time.ParseDuration syntax.
type SupervisorConfig struct {
	// StartTimeout bounds sandbox start-to-hello. Default: 10s.
	StartTimeout string `yaml:"start_timeout"`

	// ShutdownTimeout bounds graceful shutdown before SIGKILL.
	// Default: 5s.
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	// PingInterval is the liveness probe cadence. Default: 15s.
	PingInterval string `yaml:"ping_interval"`

	// PingTimeout bounds one probe round trip. Default: 3s.
	PingTimeout string `yaml:"ping_timeout"`

	// PingFailureLimit is the consecutive probe failures before the
	// sandbox is declared crashed. Default: 3.
	PingFailureLimit int `yaml:"ping_failure_limit"`
}

// StorageConfig configures the plugin key-value store.
type StorageConfig struct {
	// QuotaBytes caps each plugin's stored plaintext. Zero uses the
	// store's default.
	QuotaBytes int64 `yaml:"quota_bytes"`

	// KeyFile is the age identity file, relative paths resolved under
	// Paths.State. Default: storage.key.
	KeyFile string `yaml:"key_file"`
}

// LogsConfig configures plugin log ingestion.
type LogsConfig struct {
	// Retention is how long records are kept, in time.ParseDuration
	// syntax. Default: 168h.
	Retention string `yaml:"retention"`

	// RateLimits overrides the admission policies per method. Empty
	// installs the defaults.
	RateLimits map[string]ratelimit.Policy `yaml:"rate_limits,omitempty"`
}

// Default returns the default configuration, used as a base before
// loading the config file. The config file itself is required; these
// exist so every field has a sensible zero-value, not as a fallback.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "warden")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:    defaultRoot,
			Bin:     filepath.Join(defaultRoot, "bin"),
			Plugins: filepath.Join(defaultRoot, "plugins"),
			Data:    filepath.Join(defaultRoot, "data"),
			State:   filepath.Join(defaultRoot, "state"),
			Sockets: filepath.Join(defaultRoot, "sockets"),
		},
		Supervisor: SupervisorConfig{
			StartTimeout:     "10s",
			ShutdownTimeout:  "5s",
			PingInterval:     "15s",
			PingTimeout:      "3s",
			PingFailureLimit: 3,
		},
		Storage: StorageConfig{
			KeyFile: "storage.key",
		},
		Logs: LogsConfig{
			Retention: "168h",
		},
	}
}

// Load loads configuration from the WARDEN_CONFIG environment
// variable. There are no fallbacks or automatic discovery: if
// WARDEN_CONFIG is not set, this fails. Deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override values. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: shorter log retention, faster crash
		// detection.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Supervisor: &SupervisorConfig{
					PingInterval:     "10s",
					PingFailureLimit: 2,
				},
				Logs: &LogsConfig{
					Retention: "72h",
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		applyString(&c.Paths.Root, overrides.Paths.Root)
		applyString(&c.Paths.Bin, overrides.Paths.Bin)
		applyString(&c.Paths.Plugins, overrides.Paths.Plugins)
		applyString(&c.Paths.Data, overrides.Paths.Data)
		applyString(&c.Paths.State, overrides.Paths.State)
		applyString(&c.Paths.Sockets, overrides.Paths.Sockets)
	}

	if overrides.Supervisor != nil {
		applyString(&c.Supervisor.StartTimeout, overrides.Supervisor.StartTimeout)
		applyString(&c.Supervisor.ShutdownTimeout, overrides.Supervisor.ShutdownTimeout)
		applyString(&c.Supervisor.PingInterval, overrides.Supervisor.PingInterval)
		applyString(&c.Supervisor.PingTimeout, overrides.Supervisor.PingTimeout)
		if overrides.Supervisor.PingFailureLimit > 0 {
			c.Supervisor.PingFailureLimit = overrides.Supervisor.PingFailureLimit
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.QuotaBytes > 0 {
			c.Storage.QuotaBytes = overrides.Storage.QuotaBytes
		}
		applyString(&c.Storage.KeyFile, overrides.Storage.KeyFile)
	}

	if overrides.Logs != nil {
		applyString(&c.Logs.Retention, overrides.Logs.Retention)
		if overrides.Logs.RateLimits != nil {
			c.Logs.RateLimits = overrides.Logs.RateLimits
		}
	}
}

func applyString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WARDEN_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WARDEN_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.Plugins = expandVars(c.Paths.Plugins, vars)
	c.Paths.Data = expandVars(c.Paths.Data, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Sockets = expandVars(c.Paths.Sockets, vars)
	c.Storage.KeyFile = expandVars(c.Storage.KeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Plugins == "" {
		errs = append(errs, fmt.Errorf("paths.plugins is required"))
	}

	for name, value := range map[string]string{
		"supervisor.start_timeout":    c.Supervisor.StartTimeout,
		"supervisor.shutdown_timeout": c.Supervisor.ShutdownTimeout,
		"supervisor.ping_interval":    c.Supervisor.PingInterval,
		"supervisor.ping_timeout":     c.Supervisor.PingTimeout,
		"logs.retention":              c.Logs.Retention,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Supervisor.PingFailureLimit <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.ping_failure_limit must be positive"))
	}
	if c.Storage.QuotaBytes < 0 {
		errs = append(errs, fmt.Errorf("storage.quota_bytes must not be negative"))
	}
	for method, policy := range c.Logs.RateLimits {
		if policy.PerSecond <= 0 || policy.Burst <= 0 {
			errs = append(errs, fmt.Errorf("logs.rate_limits.%s: per_second and burst must be positive", method))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration returns a parsed supervisor/logs duration field. Call only
// after Validate.
func Duration(value string) time.Duration {
	parsed, _ := time.ParseDuration(value)
	return parsed
}

// StorageKeyPath resolves the storage key file, relative paths under
// Paths.State.
func (c *Config) StorageKeyPath() string {
	if filepath.IsAbs(c.Storage.KeyFile) {
		return c.Storage.KeyFile
	}
	return filepath.Join(c.Paths.State, c.Storage.KeyFile)
}

// StatePath returns the path of a database file under Paths.State.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.Paths.State, name)
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Bin,
		c.Paths.Plugins,
		c.Paths.Data,
		c.Paths.State,
		c.Paths.Sockets,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// BinaryPath returns the full path to a Warden binary. It looks in
// Paths.Bin first, then falls back to exec.LookPath. Hermetic binary
// resolution when Bin is configured.
func (c *Config) BinaryPath(name string) (string, error) {
	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
