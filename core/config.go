package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the durable execution core.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML file (gwi.yaml)
//  3. Environment variables
//  4. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := LoadConfig("gwi.yaml",
//	    WithBackend("redis"),
//	    WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// Service is the name used in logs and telemetry
	Service string `yaml:"service" json:"service"`

	// Backend selects the store backend: "memory" or "redis"
	Backend string `yaml:"backend" json:"backend"`

	// RedisURL is the Redis connection URL for the redis backend
	RedisURL string `yaml:"redis_url" json:"redis_url"`

	Idempotency IdempotencyConfig `yaml:"idempotency" json:"idempotency"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat" json:"heartbeat"`
	Recovery    RecoveryConfig    `yaml:"recovery" json:"recovery"`
	Worker      WorkerConfig      `yaml:"worker" json:"worker"`
	Approval    ApprovalConfig    `yaml:"approval" json:"approval"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// IdempotencyConfig controls the idempotency layer.
type IdempotencyConfig struct {
	// LockTimeout bounds how long a processing lock is honored
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// MaxAttempts bounds lock recovery before a key is marked failed
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// CompletedTTL is how long completed records replay duplicates
	CompletedTTL time.Duration `yaml:"completed_ttl" json:"completed_ttl"`

	// FailedTTL is how long failed records suppress retries; shorter
	// than CompletedTTL so legitimate retries become possible sooner
	FailedTTL time.Duration `yaml:"failed_ttl" json:"failed_ttl"`

	// CleanupInterval is how often the expired-record sweep runs
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// OrchestratorConfig controls run execution.
type OrchestratorConfig struct {
	// PhaseTimeout is the per-phase execution budget
	PhaseTimeout time.Duration `yaml:"phase_timeout" json:"phase_timeout"`

	// SandboxEnabled gates whether apply runs through the sandbox
	SandboxEnabled bool `yaml:"sandbox_enabled" json:"sandbox_enabled"`

	// TraceAnalysisDisabled turns off trace analysis in the analyze phase
	TraceAnalysisDisabled bool `yaml:"trace_analysis_disabled" json:"trace_analysis_disabled"`
}

// HeartbeatConfig controls run liveness stamping.
type HeartbeatConfig struct {
	// Interval is the tick period for heartbeat stamps
	Interval time.Duration `yaml:"interval" json:"interval"`

	// StaleThreshold is how old a heartbeat may be before the run counts
	// as orphaned
	StaleThreshold time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
}

// RecoveryConfig controls startup recovery.
type RecoveryConfig struct {
	// MaxRuns caps how many orphans one recovery pass handles
	MaxRuns int `yaml:"max_runs" json:"max_runs"`
}

// WorkerConfig controls the job worker pool.
type WorkerConfig struct {
	// Count is the number of concurrent workers
	Count int `yaml:"count" json:"count"`

	// JobTimeout bounds a single job execution
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`

	// ShutdownTimeout bounds graceful stop
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// MaxRetries is the default retry budget for new jobs
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// ApprovalConfig controls the signed-approval gate.
type ApprovalConfig struct {
	// Dir is the directory scanned for signed approval files
	Dir string `yaml:"dir" json:"dir"`

	// KeyringPath is the signing-key registry file
	KeyringPath string `yaml:"keyring_path" json:"keyring_path"`
}

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TelemetryConfig contains OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Insecure bool   `yaml:"insecure" json:"insecure"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Service:  "gwi",
		Backend:  "redis",
		RedisURL: "redis://localhost:6379",
		Idempotency: IdempotencyConfig{
			LockTimeout:     30 * time.Second,
			MaxAttempts:     3,
			CompletedTTL:    24 * time.Hour,
			FailedTTL:       1 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			PhaseTimeout:   5 * time.Minute,
			SandboxEnabled: true,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       30 * time.Second,
			StaleThreshold: 5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			MaxRuns: 50,
		},
		Worker: WorkerConfig{
			Count:           5,
			JobTimeout:      30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxRetries:      3,
		},
		Approval: ApprovalConfig{
			Dir:         ".gwi/approvals",
			KeyringPath: ".gwi/keys.json",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Insecure: true,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Option mutates a Config during LoadConfig.
type Option func(*Config)

// WithBackend overrides the store backend selector.
func WithBackend(backend string) Option {
	return func(c *Config) { c.Backend = backend }
}

// WithRedisURL overrides the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithApprovalDir overrides the signed-approval directory.
func WithApprovalDir(dir string) Option {
	return func(c *Config) { c.Approval.Dir = dir }
}

// WithKeyringPath overrides the signing-key registry file.
func WithKeyringPath(path string) Option {
	return func(c *Config) { c.Approval.KeyringPath = path }
}

// WithWorkerCount overrides the worker pool size.
func WithWorkerCount(n int) Option {
	return func(c *Config) { c.Worker.Count = n }
}

// WithService overrides the service name.
func WithService(name string) Option {
	return func(c *Config) { c.Service = name }
}

// LoadConfig builds a Config from defaults, an optional YAML file,
// environment variables, and functional options, in that priority order.
// A missing file at the default path is not an error; a named path that
// cannot be read is.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if path == "" {
		path = "gwi.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults-only is fine when no file was requested.
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.applyEnvironment()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays environment variables onto the config.
func (c *Config) applyEnvironment() {
	c.Service = getEnvOrDefault("GWI_SERVICE", c.Service)
	c.Backend = getEnvOrDefault("GWI_BACKEND", c.Backend)

	if v := os.Getenv("GWI_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}

	c.Idempotency.LockTimeout = getEnvDurationOrDefault("GWI_IDEMPOTENCY_LOCK_TIMEOUT", c.Idempotency.LockTimeout)
	c.Idempotency.MaxAttempts = getEnvIntOrDefault("GWI_IDEMPOTENCY_MAX_ATTEMPTS", c.Idempotency.MaxAttempts)
	c.Idempotency.CompletedTTL = getEnvDurationOrDefault("GWI_IDEMPOTENCY_COMPLETED_TTL", c.Idempotency.CompletedTTL)
	c.Idempotency.FailedTTL = getEnvDurationOrDefault("GWI_IDEMPOTENCY_FAILED_TTL", c.Idempotency.FailedTTL)
	c.Idempotency.CleanupInterval = getEnvDurationOrDefault("GWI_IDEMPOTENCY_CLEANUP_INTERVAL", c.Idempotency.CleanupInterval)

	c.Orchestrator.PhaseTimeout = getEnvDurationOrDefault("GWI_PHASE_TIMEOUT", c.Orchestrator.PhaseTimeout)
	c.Orchestrator.SandboxEnabled = getEnvBoolOrDefault("GWI_SANDBOX_ENABLED", c.Orchestrator.SandboxEnabled)
	c.Orchestrator.TraceAnalysisDisabled = getEnvBoolOrDefault("GWI_TRACE_ANALYSIS_DISABLED", c.Orchestrator.TraceAnalysisDisabled)

	c.Heartbeat.Interval = getEnvDurationOrDefault("GWI_HEARTBEAT_INTERVAL", c.Heartbeat.Interval)
	c.Heartbeat.StaleThreshold = getEnvDurationOrDefault("GWI_STALE_THRESHOLD", c.Heartbeat.StaleThreshold)

	c.Recovery.MaxRuns = getEnvIntOrDefault("GWI_RECOVERY_MAX_RUNS", c.Recovery.MaxRuns)

	c.Worker.Count = getEnvIntOrDefault("GWI_WORKER_COUNT", c.Worker.Count)
	c.Worker.JobTimeout = getEnvDurationOrDefault("GWI_JOB_TIMEOUT", c.Worker.JobTimeout)
	c.Worker.MaxRetries = getEnvIntOrDefault("GWI_JOB_MAX_RETRIES", c.Worker.MaxRetries)

	c.Approval.Dir = getEnvOrDefault("GWI_APPROVAL_DIR", c.Approval.Dir)
	c.Approval.KeyringPath = getEnvOrDefault("GWI_KEYRING_PATH", c.Approval.KeyringPath)

	c.HTTP.Addr = getEnvOrDefault("GWI_HTTP_ADDR", c.HTTP.Addr)

	c.Telemetry.Enabled = getEnvBoolOrDefault("GWI_TELEMETRY_ENABLED", c.Telemetry.Enabled)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}

	c.Logging.Level = getEnvOrDefault("GWI_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("GWI_LOG_FORMAT", c.Logging.Format)
}

// Validate returns a configuration error when the config cannot serve.
// Misconfiguration is fatal at worker startup.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown backend %q (accepted: memory, redis): %w", c.Backend, ErrInvalidConfiguration)
	}
	if c.Backend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("redis backend requires GWI_REDIS_URL: %w", ErrMissingConfiguration)
	}
	if c.Idempotency.MaxAttempts < 1 {
		return fmt.Errorf("idempotency max attempts must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be >= 1: %w", ErrInvalidConfiguration)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Environment helpers
// ═══════════════════════════════════════════════════════════════════════════

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

func getEnvDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
