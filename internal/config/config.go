// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all runner configuration parsed from environment variables.
type Config struct {
	AppEnv         string `env:"APP_ENV" envDefault:"dev"`
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	QueueNamespace string `env:"QUEUE_NAMESPACE" envDefault:"finflow"`
	// AdminPort serves /healthz, /readyz, /metrics and the queue admin API.
	AdminPort       int    `env:"ADMIN_PORT" envDefault:"9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"finflow-jobs"`

	// Queue runtime
	DefaultConcurrency int           `env:"QUEUE_DEFAULT_CONCURRENCY" envDefault:"5"`
	StallWindow        time.Duration `env:"QUEUE_STALL_WINDOW" envDefault:"60s"`
	ReapInterval       time.Duration `env:"QUEUE_REAP_INTERVAL" envDefault:"15s"`
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"100ms"`
	JobBodyTTL         time.Duration `env:"QUEUE_JOB_TTL" envDefault:"48h"`
	BackoffJitter      bool          `env:"QUEUE_BACKOFF_JITTER" envDefault:"false"`
	DrainTimeout       time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`
	// PolicyFile optionally points at a YAML file overriding per-queue
	// policies (max attempts, backoff, concurrency, retention).
	PolicyFile string `env:"QUEUE_POLICY_FILE"`

	// Admin HTTP
	AdminRateLimitPerMin int `env:"ADMIN_RATE_LIMIT_PER_MIN" envDefault:"60"`

	// Scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" envDefault:"true"`
	// SessionStaleAfter classifies connections as stale for the session
	// cleanup metrics tick.
	SessionStaleAfter time.Duration `env:"SESSION_STALE_AFTER" envDefault:"720h"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the runner is in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the runner is in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the runner is in test mode. Test mode switches the
// producer API to the lenient log-and-null fallback on unknown queues and on
// an unreachable store.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// QueueConcurrency resolves worker concurrency for a queue from
// QUEUE_{NAME}_CONCURRENCY, where {NAME} is the upper-cased queue name with
// hyphens replaced by underscores. Falls back to the default.
func (c Config) QueueConcurrency(queue string) int {
	key := "QUEUE_" + strings.ReplaceAll(strings.ToUpper(queue), "-", "_") + "_CONCURRENCY"
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	if c.DefaultConcurrency >= 1 {
		return c.DefaultConcurrency
	}
	return 5
}

// Duration wraps time.Duration so YAML values like "20s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("op=config.Duration.UnmarshalYAML: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PolicyOverride is one per-queue entry in the optional policy file. Zero
// values leave the built-in policy untouched.
type PolicyOverride struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	BaseBackoff      Duration `yaml:"base_backoff"`
	Concurrency      int      `yaml:"concurrency"`
	RemoveOnComplete int      `yaml:"remove_on_complete"`
	RemoveOnFail     int      `yaml:"remove_on_fail"`
}

// LoadPolicyOverrides reads the YAML policy file when configured. A missing
// setting returns an empty map.
func (c Config) LoadPolicyOverrides() (map[string]PolicyOverride, error) {
	if c.PolicyFile == "" {
		return map[string]PolicyOverride{}, nil
	}
	b, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadPolicyOverrides: %w", err)
	}
	out := map[string]PolicyOverride{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("op=config.LoadPolicyOverrides: %w", err)
	}
	return out, nil
}
