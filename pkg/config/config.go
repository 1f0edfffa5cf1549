// Package config loads and validates the orchestrator configuration
// from YAML, with environment variable overrides for the common knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethpandaops/testoor/pkg/result"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultParallelism is the default worker pool size.
	DefaultParallelism = 4

	// DefaultTimeout is the default per-attempt timeout.
	DefaultTimeout = "5m"

	// DefaultClassifierBudget bounds a single classification.
	DefaultClassifierBudget = "10s"

	// DefaultSQLitePath is the default local sink database path.
	DefaultSQLitePath = "./testoor.db"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"
)

// Config is the root configuration for testoor.
type Config struct {
	Global     GlobalConfig     `yaml:"global"`
	Runner     RunnerConfig     `yaml:"runner"`
	Tests      []TestCase       `yaml:"tests"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Classifier ClassifierConfig `yaml:"classifier"`
	API        APIConfig        `yaml:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// RunnerConfig contains run-level settings.
type RunnerConfig struct {
	Platform    string            `yaml:"platform"`
	App         string            `yaml:"app"`
	Parallelism int               `yaml:"parallelism"`
	MaxRetries  int               `yaml:"max_retries"`
	Timeout     string            `yaml:"timeout"`
	AIAnalysis  bool              `yaml:"ai_analysis"`
	Screenshots bool              `yaml:"screenshots"`
	Video       bool              `yaml:"video"`
	Drivers     map[string]Driver `yaml:"drivers"`
}

// Driver is the command invoked per test unit for one platform.
type Driver struct {
	Command []string `yaml:"command"`
	WorkDir string   `yaml:"workdir,omitempty"`
}

// TestCase declares one schedulable test in the config file.
type TestCase struct {
	ID          string `yaml:"id"`
	Platform    string `yaml:"platform"`
	App         string `yaml:"app,omitempty"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	MaxRetries  *int   `yaml:"max_retries,omitempty"`
}

// SinksConfig configures the two persistence sinks.
type SinksConfig struct {
	Local  LocalSinkConfig  `yaml:"local"`
	Remote RemoteSinkConfig `yaml:"remote"`
}

// LocalSinkConfig configures the local durable store.
type LocalSinkConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig configures the sqlite driver.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the postgres driver.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RemoteSinkConfig configures the remote tracking service sink.
type RemoteSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// ClassifierConfig configures the failure classifier.
type ClassifierConfig struct {
	Budget      string `yaml:"budget,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// APIConfig configures the results API server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Runner.Parallelism == 0 {
		c.Runner.Parallelism = DefaultParallelism
	}

	if c.Runner.Timeout == "" {
		c.Runner.Timeout = DefaultTimeout
	}

	if c.Sinks.Local.Driver == "" {
		c.Sinks.Local.Driver = "sqlite"
	}

	if c.Sinks.Local.SQLite.Path == "" {
		c.Sinks.Local.SQLite.Path = DefaultSQLitePath
	}

	if c.Sinks.Remote.Timeout == "" {
		c.Sinks.Remote.Timeout = "10s"
	}

	if c.Classifier.Budget == "" {
		c.Classifier.Budget = DefaultClassifierBudget
	}

	if c.Classifier.Concurrency == 0 {
		c.Classifier.Concurrency = 2
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
}

// applyEnvOverrides lets the environment override the common knobs.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TESTOOR_LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}

	if v := os.Getenv("TESTOOR_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.Parallelism = n
		}
	}

	if v := os.Getenv("TESTOOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxRetries = n
		}
	}

	if v := os.Getenv("TESTOOR_TIMEOUT"); v != "" {
		c.Runner.Timeout = v
	}

	if v := os.Getenv("TESTOOR_AI_ANALYSIS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Runner.AIAnalysis = b
		}
	}

	if v := os.Getenv("TESTOOR_REMOTE_URL"); v != "" {
		c.Sinks.Remote.URL = v
		c.Sinks.Remote.Enabled = true
	}

	if v := os.Getenv("TESTOOR_REMOTE_API_KEY"); v != "" {
		c.Sinks.Remote.APIKey = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Runner.Parallelism < 1 {
		return fmt.Errorf("runner parallelism must be at least 1")
	}

	if c.Runner.MaxRetries < 0 {
		return fmt.Errorf("runner max_retries must not be negative")
	}

	if _, err := time.ParseDuration(c.Runner.Timeout); err != nil {
		return fmt.Errorf("invalid runner timeout %q: %w", c.Runner.Timeout, err)
	}

	switch c.Sinks.Local.Driver {
	case "sqlite":
		if c.Sinks.Local.SQLite.Path == "" {
			return fmt.Errorf("sqlite sink requires a path")
		}
	case "postgres":
		if c.Sinks.Local.Postgres.Host == "" || c.Sinks.Local.Postgres.Database == "" {
			return fmt.Errorf("postgres sink requires host and database")
		}
	default:
		return fmt.Errorf("unsupported local sink driver: %s", c.Sinks.Local.Driver)
	}

	if c.Sinks.Remote.Enabled && c.Sinks.Remote.URL == "" {
		return fmt.Errorf("remote sink is enabled but has no url")
	}

	if _, err := time.ParseDuration(c.Classifier.Budget); err != nil {
		return fmt.Errorf("invalid classifier budget %q: %w", c.Classifier.Budget, err)
	}

	seenIDs := make(map[string]struct{}, len(c.Tests))

	for i, tc := range c.Tests {
		if tc.ID == "" {
			return fmt.Errorf("test %d: id is required", i)
		}

		if _, exists := seenIDs[tc.ID]; exists {
			return fmt.Errorf("test %d: duplicate id %q", i, tc.ID)
		}

		seenIDs[tc.ID] = struct{}{}

		if tc.Name == "" {
			return fmt.Errorf("test %q: name is required", tc.ID)
		}

		if !result.Platform(tc.Platform).Valid() {
			return fmt.Errorf("test %q: unknown platform %q", tc.ID, tc.Platform)
		}

		if tc.Timeout != "" {
			if _, err := time.ParseDuration(tc.Timeout); err != nil {
				return fmt.Errorf("test %q: invalid timeout: %w", tc.ID, err)
			}
		}

		if tc.MaxRetries != nil && *tc.MaxRetries < 0 {
			return fmt.Errorf("test %q: max_retries must not be negative", tc.ID)
		}
	}

	return nil
}

// AttemptTimeout returns the parsed per-attempt timeout.
func (c *Config) AttemptTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.Timeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultTimeout)
	}

	return d
}

// ClassifierBudget returns the parsed classification time budget.
func (c *Config) ClassifierBudget() time.Duration {
	d, err := time.ParseDuration(c.Classifier.Budget)
	if err != nil {
		d, _ = time.ParseDuration(DefaultClassifierBudget)
	}

	return d
}

// RequestTimeout returns the parsed remote sink request timeout.
func (c *RemoteSinkConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}

	return d
}

// Units builds the run's test units from the configured tests. Tests for
// another platform, or for another app when one is requested, are marked
// pre-filtered and will finalize as skipped without executing.
func (c *Config) Units(platform result.Platform, app string) []result.TestUnit {
	units := make([]result.TestUnit, 0, len(c.Tests))

	for _, tc := range c.Tests {
		unit := result.TestUnit{
			ID:          tc.ID,
			Platform:    result.Platform(tc.Platform),
			App:         tc.App,
			Name:        tc.Name,
			Description: tc.Description,
			MaxRetries:  c.Runner.MaxRetries,
		}

		if tc.Timeout != "" {
			if d, err := time.ParseDuration(tc.Timeout); err == nil {
				unit.Timeout = d
			}
		}

		if unit.Timeout == 0 {
			unit.Timeout = c.AttemptTimeout()
		}

		if tc.MaxRetries != nil {
			unit.MaxRetries = *tc.MaxRetries
		}

		if unit.Platform != platform || (app != "" && tc.App != "" && tc.App != app) {
			unit.Skip = true
		}

		units = append(units, unit)
	}

	return units
}
