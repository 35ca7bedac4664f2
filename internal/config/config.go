// ============================================================================
// searchq Config - YAML configuration with environment overrides
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// Load order:
//   1. YAML file (durations as strings, e.g. "500ms")
//   2. Environment: SEARCHQ_DSN, SEARCHQ_DSN_FILE, SEARCHQ_TASK
//   3. ApplyDefaults for every unset field
//   4. Validate
//
// SEARCHQ_DSN_FILE follows the *_FILE secret convention: the DSN is read from
// the named file and wins over SEARCHQ_DSN.
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/searchq/internal/client"
	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/internal/problems"
	"github.com/ChuLiYu/searchq/internal/search"
	"github.com/ChuLiYu/searchq/internal/worker"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

const (
	EnvDSN     = "SEARCHQ_DSN"
	EnvDSNFile = "SEARCHQ_DSN_FILE"
	EnvTask    = "SEARCHQ_TASK"
)

const (
	DefaultPath           = "configs/searchq.yaml"
	DefaultDriver         = DriverSQLite
	DefaultSQLitePath     = "searchq.db"
	DefaultTaskName       = "searchq"
	DefaultParallelPoints = 4
	DefaultProblem        = "sinsum"
	DefaultWorkerCount    = 4
	DefaultMetricsPort    = 9090
	DefaultMQTTBroker     = "tcp://localhost:1883"
	DefaultMQTTPrefix     = "searchq"
)

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type TaskConfig struct {
	Name string `yaml:"name"`
	// Owner makes the coordinator register the task. When false it attaches
	// to a task created elsewhere.
	Owner          *bool         `yaml:"owner"`
	LookupAttempts int           `yaml:"lookup_attempts"`
	LookupDelay    time.Duration `yaml:"lookup_delay"`
}

// IsOwner reports the effective owner flag; unset means true.
func (t TaskConfig) IsOwner() bool {
	return t.Owner == nil || *t.Owner
}

type CoordinatorConfig struct {
	ParallelPoints int           `yaml:"parallel_points"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Seed           string        `yaml:"seed"`
}

type SearchConfig struct {
	Problem    string  `yaml:"problem"`
	R          float64 `yaml:"r"`
	Eps        float64 `yaml:"eps"`
	ItersLimit int     `yaml:"iters_limit"`
	SeedPoints int     `yaml:"seed_points"`
}

type WorkerConfig struct {
	Count       int           `yaml:"count"`
	IdleWait    time.Duration `yaml:"idle_wait"`
	MaxIdleWait time.Duration `yaml:"max_idle_wait"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Addr is the listen address of the metrics endpoint.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", m.Port)
}

type AdminConfig struct {
	// Listen is the admin gRPC address; empty disables the service.
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

type ReportConfig struct {
	// Path of the JSON report written at stop; empty disables it.
	Path string `yaml:"path"`
}

// Config represents the complete searchq configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Task        TaskConfig        `yaml:"task"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Search      SearchConfig      `yaml:"search"`
	Worker      WorkerConfig      `yaml:"worker"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Admin       AdminConfig       `yaml:"admin"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Report      ReportConfig      `yaml:"report"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides the DSN and task name from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Store.DSN = v
	}
	if path := os.Getenv(EnvDSNFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", EnvDSNFile, err)
		}
		c.Store.DSN = strings.TrimSpace(string(raw))
	}
	if v := os.Getenv(EnvTask); v != "" {
		c.Task.Name = v
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultDriver
	}
	if c.Store.DSN == "" && c.Store.Driver == DriverSQLite {
		c.Store.DSN = DefaultSQLitePath
	}

	if c.Task.Name == "" {
		c.Task.Name = DefaultTaskName
	}
	if c.Task.LookupAttempts == 0 {
		c.Task.LookupAttempts = client.DefaultLookupAttempts
	}
	if c.Task.LookupDelay == 0 {
		c.Task.LookupDelay = client.DefaultLookupDelay
	}

	if c.Coordinator.ParallelPoints == 0 {
		c.Coordinator.ParallelPoints = DefaultParallelPoints
	}
	if c.Coordinator.PollInterval == 0 {
		c.Coordinator.PollInterval = coordinator.DefaultPollInterval
	}
	if c.Coordinator.Seed == "" {
		c.Coordinator.Seed = search.SeedLocal
	}

	if c.Search.Problem == "" {
		c.Search.Problem = DefaultProblem
	}
	if c.Search.R == 0 {
		c.Search.R = search.DefaultR
	}
	if c.Search.Eps == 0 {
		c.Search.Eps = search.DefaultEps
	}
	if c.Search.ItersLimit == 0 {
		c.Search.ItersLimit = search.DefaultItersLimit
	}
	if c.Search.SeedPoints == 0 {
		c.Search.SeedPoints = search.DefaultSeedPoints
	}

	if c.Worker.Count == 0 {
		c.Worker.Count = DefaultWorkerCount
	}
	if c.Worker.IdleWait == 0 {
		c.Worker.IdleWait = worker.DefaultIdleWait
	}
	if c.Worker.MaxIdleWait == 0 {
		c.Worker.MaxIdleWait = max(worker.DefaultMaxIdleWait, c.Worker.IdleWait)
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultMQTTBroker
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultMQTTPrefix
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			add("store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverMemory:
	default:
		add("store.driver must be one of postgres, sqlite, memory; got %q", c.Store.Driver)
	}

	if c.Task.Name == "" {
		add("task.name is required")
	}
	if c.Task.LookupAttempts < 1 {
		add("task.lookup_attempts must be at least 1")
	}
	if c.Task.LookupDelay < 0 {
		add("task.lookup_delay must not be negative")
	}

	if c.Coordinator.ParallelPoints < 1 {
		add("coordinator.parallel_points must be at least 1")
	}
	if c.Coordinator.PollInterval <= 0 {
		add("coordinator.poll_interval must be positive")
	}
	if c.Coordinator.Seed != search.SeedLocal && c.Coordinator.Seed != search.SeedStore {
		add("coordinator.seed must be %q or %q; got %q", search.SeedLocal, search.SeedStore, c.Coordinator.Seed)
	}

	if _, err := problems.Lookup(c.Search.Problem); err != nil {
		add("search.problem: %w", err)
	}
	if c.Search.R <= 1 {
		add("search.r must be greater than 1")
	}
	if c.Search.Eps <= 0 {
		add("search.eps must be positive")
	}
	if c.Search.ItersLimit < 0 {
		add("search.iters_limit must not be negative")
	}

	if c.Worker.Count < 1 {
		add("worker.count must be at least 1")
	}
	if c.Worker.IdleWait <= 0 || c.Worker.MaxIdleWait < c.Worker.IdleWait {
		add("worker idle waits must satisfy 0 < idle_wait <= max_idle_wait")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		add("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		add("mqtt.broker is required when mqtt is enabled")
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")
