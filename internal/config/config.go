// Package config provides configuration loading and validation for
// flowkerneld.
//
// Configuration file: /etc/flowkernel/config.yaml (default).
// Schema version: 1.
//
// Validation: all required fields must be present, numeric ranges are
// enforced, and file paths (where used) must be absolute. Invalid
// config on startup is fatal — flowkerneld refuses to start.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowkernel/flowkernel/internal/types"
)

// Version, GitCommit, BuildTime are injected by the Makefile via
// -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for flowkerneld.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`
	NodeID        string `yaml:"node_id"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Resources     ResourcesConfig     `yaml:"resources"`
	RateLimiter   RateLimiterConfig   `yaml:"rate_limiter"`
	Interrupts    InterruptsConfig    `yaml:"interrupts"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	CommBus       CommBusConfig       `yaml:"commbus"`
	IPC           IPCConfig           `yaml:"ipc"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SchedulerConfig holds PCB lifecycle / ready-queue parameters.
type SchedulerConfig struct {
	// ZombieGracePeriod is how long a Terminated PCB is retained before
	// the cleanup scan reaps it. Default: 5m.
	ZombieGracePeriod time.Duration `yaml:"zombie_grace_period"`
}

// ResourcesConfig holds the default per-process resource quota applied
// when create_process omits an explicit quota. Zero on a dimension
// means that dimension is unbounded, mirroring internal/resources.Quota.
type ResourcesConfig struct {
	MaxLLMCalls    int64 `yaml:"max_llm_calls"`
	MaxToolCalls   int64 `yaml:"max_tool_calls"`
	MaxAgentHops   int64 `yaml:"max_agent_hops"`
	MaxIterations  int64 `yaml:"max_iterations"`
	MaxTokensIn    int64 `yaml:"max_tokens_in"`
	MaxTokensOut   int64 `yaml:"max_tokens_out"`
	MaxTimeSeconds int64 `yaml:"max_time_seconds"`
}

// RateLimiterConfig mirrors internal/ratelimiter.Config on the wire.
type RateLimiterConfig struct {
	Enabled         bool `yaml:"enabled"`
	PerMinuteLimit  int  `yaml:"per_minute_limit"`
	PerHourLimit    int  `yaml:"per_hour_limit"`
	PerDayLimit     int  `yaml:"per_day_limit"`
	BurstCapacity   int  `yaml:"burst_capacity"`
	BurstRefillSecs int  `yaml:"burst_refill_secs"`
}

// InterruptsConfig holds HITL interrupt retention parameters and
// optional per-kind TTL overrides. A kind absent from Overrides keeps
// internal/interrupt.DefaultKindTable's value.
type InterruptsConfig struct {
	// ResolvedRetention is the age, counted from the interrupt's
	// creation, at which the cleanup scan drops a Resolved/Expired/
	// Cancelled interrupt. Default: 24h.
	ResolvedRetention time.Duration `yaml:"resolved_retention"`

	// Overrides replaces DefaultKindTable's TTL/auto-expire/requires-
	// response values for the named kinds. Keyed by the kind's wire name
	// (e.g. "Clarification", "Confirmation") — see types.ParseInterruptKind.
	Overrides map[string]InterruptKindOverride `yaml:"overrides"`
}

// InterruptKindOverride mirrors internal/interrupt.KindDefaults on the
// wire, for one interrupt kind.
type InterruptKindOverride struct {
	TTL              time.Duration `yaml:"ttl"`
	AutoExpire       bool          `yaml:"auto_expire"`
	RequiresResponse bool          `yaml:"requires_response"`
}

// OrchestratorConfig holds pipeline-wide defaults. Per-pipeline routing
// tables (agents, routes, edge limits) are supplied at
// initialize_session time, not here.
type OrchestratorConfig struct {
	// DefaultMaxIterations is validated (must be >= 1) but is not passed
	// to the kernel: a pipeline config that omits its own max_iterations
	// runs with no iteration bound. Default: 25.
	DefaultMaxIterations int `yaml:"default_max_iterations"`
}

// CommBusConfig holds CommBus backpressure parameters.
type CommBusConfig struct {
	// SubscriberQueueDepth bounds each subscription's backlog before
	// publishes to it are dropped. Default: 256.
	SubscriberQueueDepth int `yaml:"subscriber_queue_depth"`

	// DefaultQueryTimeout is validated (must be >= 1ms) but is not passed
	// to the kernel or the IPC layer: a query sent with a zero timeout is
	// not given this value and times out at once. Default: 5s.
	DefaultQueryTimeout time.Duration `yaml:"default_query_timeout"`
}

// IPCConfig holds the wire server's listen and framing parameters.
type IPCConfig struct {
	// BindAddr is the TCP listen address. Default: 127.0.0.1:7420.
	// Non-loopback binding is allowed but must be set explicitly.
	BindAddr string `yaml:"bind_addr"`

	// MaxConnections bounds concurrently accepted connections. Default: 256.
	MaxConnections int `yaml:"max_connections"`

	// MaxFrameBytes bounds one frame's payload size. Default: 5 MiB.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// ReadTimeout / WriteTimeout bound one frame's I/O. Defaults: 10s.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownDrain bounds how long in-flight handlers are given to
	// finish during graceful shutdown. Default: 5s.
	ShutdownDrain time.Duration `yaml:"shutdown_drain"`
}

// CleanupConfig holds the periodic cleanup service's cadence and
// retention parameters.
type CleanupConfig struct {
	// Interval is how often the cleanup scan runs. Default: 60s.
	Interval time.Duration `yaml:"interval"`

	// EnvelopeCapacity is the maximum number of terminated envelopes
	// retained; the oldest beyond this are evicted first. Default: 10000.
	EnvelopeCapacity int `yaml:"envelope_capacity"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9090.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with every default value.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Scheduler: SchedulerConfig{
			ZombieGracePeriod: 5 * time.Minute,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:         true,
			PerMinuteLimit:  60,
			PerHourLimit:    1000,
			PerDayLimit:     10000,
			BurstCapacity:   10,
			BurstRefillSecs: 60,
		},
		Interrupts: InterruptsConfig{
			ResolvedRetention: 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			DefaultMaxIterations: 25,
		},
		CommBus: CommBusConfig{
			SubscriberQueueDepth: 256,
			DefaultQueryTimeout:  5 * time.Second,
		},
		IPC: IPCConfig{
			BindAddr:       "127.0.0.1:7420",
			MaxConnections: 256,
			MaxFrameBytes:  5 * 1024 * 1024,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			ShutdownDrain:  5 * time.Second,
		},
		Cleanup: CleanupConfig{
			Interval:         60 * time.Second,
			EnvelopeCapacity: 10000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from path, merging it onto
// Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks every config field for correctness, accumulating all
// violations rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Scheduler.ZombieGracePeriod < time.Second {
		errs = append(errs, fmt.Sprintf("scheduler.zombie_grace_period must be >= 1s, got %s", cfg.Scheduler.ZombieGracePeriod))
	}
	if cfg.RateLimiter.Enabled {
		if cfg.RateLimiter.PerMinuteLimit < 0 || cfg.RateLimiter.PerHourLimit < 0 || cfg.RateLimiter.PerDayLimit < 0 {
			errs = append(errs, "rate_limiter window limits must be >= 0")
		}
		if cfg.RateLimiter.BurstCapacity < 0 {
			errs = append(errs, "rate_limiter.burst_capacity must be >= 0")
		}
		if cfg.RateLimiter.BurstRefillSecs < 1 {
			errs = append(errs, fmt.Sprintf("rate_limiter.burst_refill_secs must be >= 1, got %d", cfg.RateLimiter.BurstRefillSecs))
		}
	}
	if cfg.Resources.MaxLLMCalls < 0 || cfg.Resources.MaxToolCalls < 0 || cfg.Resources.MaxAgentHops < 0 ||
		cfg.Resources.MaxIterations < 0 || cfg.Resources.MaxTokensIn < 0 || cfg.Resources.MaxTokensOut < 0 ||
		cfg.Resources.MaxTimeSeconds < 0 {
		errs = append(errs, "resources quota dimensions must be >= 0")
	}
	if cfg.Interrupts.ResolvedRetention < time.Second {
		errs = append(errs, fmt.Sprintf("interrupts.resolved_retention must be >= 1s, got %s", cfg.Interrupts.ResolvedRetention))
	}
	for name, override := range cfg.Interrupts.Overrides {
		if _, err := types.ParseInterruptKind(name); err != nil {
			errs = append(errs, fmt.Sprintf("interrupts.overrides: unknown kind %q", name))
			continue
		}
		if override.TTL < 0 {
			errs = append(errs, fmt.Sprintf("interrupts.overrides[%s].ttl must be >= 0, got %s", name, override.TTL))
		}
	}
	if cfg.Orchestrator.DefaultMaxIterations < 1 {
		errs = append(errs, fmt.Sprintf("orchestrator.default_max_iterations must be >= 1, got %d", cfg.Orchestrator.DefaultMaxIterations))
	}
	if cfg.CommBus.SubscriberQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("commbus.subscriber_queue_depth must be >= 1, got %d", cfg.CommBus.SubscriberQueueDepth))
	}
	if cfg.CommBus.DefaultQueryTimeout < time.Millisecond {
		errs = append(errs, fmt.Sprintf("commbus.default_query_timeout must be >= 1ms, got %s", cfg.CommBus.DefaultQueryTimeout))
	}
	if cfg.IPC.BindAddr == "" {
		errs = append(errs, "ipc.bind_addr must not be empty")
	}
	if cfg.IPC.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("ipc.max_connections must be >= 1, got %d", cfg.IPC.MaxConnections))
	}
	if cfg.IPC.MaxFrameBytes < 1024 {
		errs = append(errs, fmt.Sprintf("ipc.max_frame_bytes must be >= 1024, got %d", cfg.IPC.MaxFrameBytes))
	}
	if cfg.IPC.ReadTimeout < time.Second || cfg.IPC.WriteTimeout < time.Second {
		errs = append(errs, "ipc.read_timeout and ipc.write_timeout must each be >= 1s")
	}
	if cfg.IPC.ShutdownDrain < 0 {
		errs = append(errs, "ipc.shutdown_drain must be >= 0")
	}
	if cfg.Cleanup.Interval < time.Second {
		errs = append(errs, fmt.Sprintf("cleanup.interval must be >= 1s, got %s", cfg.Cleanup.Interval))
	}
	if cfg.Cleanup.EnvelopeCapacity < 1 {
		errs = append(errs, fmt.Sprintf("cleanup.envelope_capacity must be >= 1, got %d", cfg.Cleanup.EnvelopeCapacity))
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
