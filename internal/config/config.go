// Package config provides configuration management for the pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// ActionPolicy is the master switch for the pipeline's optional stages.
type ActionPolicy string

const (
	ActionPolicyOff        ActionPolicy = "OFF"
	ActionPolicyNotifyOnly ActionPolicy = "NOTIFY_ONLY"
	ActionPolicyFull       ActionPolicy = "FULL"
)

// Config holds all pipeline configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Oracles     OraclesConfig     `yaml:"oracles"`
	Notify      NotifyConfig      `yaml:"notify"`
	Ingress     IngressConfig     `yaml:"ingress"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings for the ingress and operational
// surface.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings, used by the Redis-backed
// Alert Store and the ingress per-source rate limiter.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
}

// PipelineConfig holds the recognized pipeline options from the
// specification's configuration table.
type PipelineConfig struct {
	WarnThreshold        int          `yaml:"warn_threshold"`
	RemediateThreshold   int          `yaml:"remediate_threshold"`
	ActionPolicy         ActionPolicy `yaml:"action_policy"`
	BusCapacity          int          `yaml:"bus_capacity"`
	BusPartitions        int          `yaml:"bus_partitions"`
	BusRetention         time.Duration `yaml:"bus_retention"`
	MaxConcurrentEvents  int          `yaml:"max_concurrent_events"`
	OracleConcurrency    int          `yaml:"oracle_concurrency"`
	EventDeadline        time.Duration `yaml:"event_deadline_ms"`
	StoreTTL             time.Duration `yaml:"store_ttl_seconds"`
	NotifyDedupWindow    time.Duration `yaml:"notify_dedup_window_ms"`
	MLModelVersion       string       `yaml:"ml_model_version"`
	PolicyTablePath      string       `yaml:"policy_table_path"`
}

// OraclesConfig holds deadlines and connection settings for the suspending
// calls to external collaborators.
type OraclesConfig struct {
	MLDeadline       time.Duration `yaml:"ml_deadline"`
	LLMDeadline      time.Duration `yaml:"llm_deadline"`
	EffectorDeadline time.Duration `yaml:"effector_deadline"`
	StoreDeadline    time.Duration `yaml:"store_deadline"`

	MLBaseURL       string `yaml:"ml_base_url"`
	MLAPIKeyEnv     string `yaml:"ml_api_key_env"`
	LLMBaseURL      string `yaml:"llm_base_url"`
	LLMAPIKeyEnv    string `yaml:"llm_api_key_env"`
	EffectorBaseURL string `yaml:"effector_base_url"`
	EffectorAPIKeyEnv string `yaml:"effector_api_key_env"`
}

// NotifyConfig holds the webhook destination for alert notifications.
type NotifyConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	APIKeyEnv    string `yaml:"api_key_env"`
	LRUSize      int    `yaml:"lru_size"`
}

// IngressConfig holds HTTP ingress adapter settings.
type IngressConfig struct {
	TokenEnv            string        `yaml:"token_env"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	PerSourceRateLimit  int           `yaml:"per_source_rate_limit"`
	PerSourceRateWindow time.Duration `yaml:"per_source_rate_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsPort    int     `yaml:"metrics_port"`
}

// Load reads configuration from a YAML file, overlaying it onto the
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults matching the specification's
// recognized options.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Pipeline: PipelineConfig{
			WarnThreshold:       70,
			RemediateThreshold:  90,
			ActionPolicy:        ActionPolicyFull,
			BusCapacity:         1000,
			BusPartitions:       16,
			BusRetention:        24 * time.Hour,
			MaxConcurrentEvents: 64,
			OracleConcurrency:   16,
			EventDeadline:       60 * time.Second,
			StoreTTL:            30 * 24 * time.Hour,
			NotifyDedupWindow:   5 * time.Minute,
			MLModelVersion:      "v1",
		},
		Oracles: OraclesConfig{
			MLDeadline:       5 * time.Second,
			LLMDeadline:      15 * time.Second,
			EffectorDeadline: 10 * time.Second,
			StoreDeadline:    5 * time.Second,
		},
		Notify: NotifyConfig{
			LRUSize: 10000,
		},
		Ingress: IngressConfig{
			TokenEnv:     "SENTINELDRIFT_INGRESS_TOKEN",
			MaxBodyBytes: 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "sentineldrift",
			Environment:  "development",
			SamplingRate: 1.0,
			MetricsPort:  9090,
		},
	}
}

// Validate enforces the PolicyViolation error kind named in the error
// handling design: misconfiguration at startup is fatal, the process must
// refuse to start.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.WarnThreshold < 0 || p.WarnThreshold > 100 {
		return fmt.Errorf("warn_threshold out of range [0,100]: %w", event.ErrPolicyViolation)
	}
	if p.RemediateThreshold <= p.WarnThreshold || p.RemediateThreshold > 100 {
		return fmt.Errorf("remediate_threshold must be in (warn_threshold,100]: %w", event.ErrPolicyViolation)
	}
	switch p.ActionPolicy {
	case ActionPolicyOff, ActionPolicyNotifyOnly, ActionPolicyFull:
	default:
		return fmt.Errorf("unrecognized action_policy %q: %w", p.ActionPolicy, event.ErrPolicyViolation)
	}
	if p.BusCapacity <= 0 {
		return fmt.Errorf("bus_capacity must be > 0: %w", event.ErrPolicyViolation)
	}
	if p.MaxConcurrentEvents <= 0 {
		return fmt.Errorf("max_concurrent_events must be > 0: %w", event.ErrPolicyViolation)
	}
	if p.OracleConcurrency <= 0 {
		return fmt.Errorf("oracle_concurrency must be > 0: %w", event.ErrPolicyViolation)
	}
	return nil
}
