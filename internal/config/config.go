// Package config loads nexus's TOML configuration file, applies NEXUS_*
// environment overrides the way the teacher's core.Config does (explicit
// os.Getenv reads rather than reflection), and exposes a live-reloadable
// snapshot via fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration object, covering every key in spec §6.2.
type Config struct {
	Server   ServerConfig             `toml:"server"`
	Routing  RoutingConfig            `toml:"routing"`
	Aliases  map[string]string        `toml:"aliases"`
	Fallbacks map[string][]string     `toml:"fallbacks"`
	Policies map[string]PolicyConfig  `toml:"policies"`
	Backends []BackendConfig         `toml:"backends"`
	Quality  QualityConfig            `toml:"quality"`
	Queue    QueueConfig              `toml:"queue"`
	Health   HealthConfig             `toml:"health"`
	Logging  LoggingConfig            `toml:"logging"`
	Budget   BudgetConfig             `toml:"budget"`
}

type ServerConfig struct {
	Port            int           `toml:"port"`
	Address         string        `toml:"address"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// ScoringWeights are the Smart strategy's composite-score weights (spec §4.4.6).
type ScoringWeights struct {
	Priority   float64 `toml:"priority"`
	Load       float64 `toml:"load"`
	Latency    float64 `toml:"latency"`
	TTFT       float64 `toml:"ttft"`
	BudgetBoost float64 `toml:"budget_boost"`
}

type RoutingConfig struct {
	Strategy   string         `toml:"strategy"` // smart | round_robin | priority_only | random
	MaxRetries uint32         `toml:"max_retries"`
	Scoring    ScoringWeights `toml:"scoring"`
}

// PolicyConfig mirrors spec §3 TrafficPolicy, keyed by glob pattern in the
// parent map.
type PolicyConfig struct {
	Privacy          string `toml:"privacy"` // restricted | open | zone:<name>
	MinReasoning     int    `toml:"min_reasoning"`
	MinCoding        int    `toml:"min_coding"`
	MinContextWindow int    `toml:"min_context_window"`
	VisionRequired   bool   `toml:"vision_required"`
	ToolsRequired    bool   `toml:"tools_required"`
	OverflowMode     string `toml:"overflow_mode"` // block_entirely | fresh_only
}

type CapabilityTierConfig struct {
	Reasoning     int  `toml:"reasoning"`
	Coding        int  `toml:"coding"`
	ContextWindow int  `toml:"context_window"`
	Vision        bool `toml:"vision"`
	Tools         bool `toml:"tools"`
}

type BackendConfig struct {
	ID            string                `toml:"id"`
	Name          string                `toml:"name"`
	URL           string                `toml:"url"`
	Type          string                `toml:"type"` // ollama | vllm | llamacpp | exo | openai | generic
	Priority      int                   `toml:"priority"`
	APIKeyEnv     string                `toml:"api_key_env"`
	Zone          string                `toml:"zone"` // restricted | open | zone:<name>
	CapabilityTier *CapabilityTierConfig `toml:"capability_tier"`
	MaxPending    int                   `toml:"max_pending"`
}

type QualityConfig struct {
	ErrorRateThreshold     float64 `toml:"error_rate_threshold"`
	TTFTPenaltyThresholdMs int     `toml:"ttft_penalty_threshold_ms"`
	MetricsIntervalSeconds int     `toml:"metrics_interval_seconds"`
	// ExpectedPeakRPS sizes each backend's quality-tracker ring buffer to
	// cover 24h of outcomes at this assumed peak rate (SPEC_FULL §4.3).
	ExpectedPeakRPS int `toml:"expected_peak_rps"`
}

type QueueConfig struct {
	Enabled         bool `toml:"enabled"`
	MaxSize         int  `toml:"max_size"`
	MaxWaitSeconds  int  `toml:"max_wait_seconds"`
}

type HealthConfig struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	ProbeTimeoutSeconds int `toml:"probe_timeout_seconds"`
}

type LoggingConfig struct {
	Level               string            `toml:"level"`
	Format              string            `toml:"format"` // pretty | json
	ComponentLevels     map[string]string `toml:"component_levels"`
	EnableContentLogging bool             `toml:"enable_content_logging"`
}

// BudgetConfig configures the Budget reconciler. UsageSourceRedisURL is the
// Open Question's placeholder current-usage signal: when empty, usage is
// treated as 0 (fail-open, per spec §4.4.3); when set, a Redis-backed
// pipeline.RedisUsageSource is wired in by cmd/nexus.
type BudgetConfig struct {
	MonthlyLimitUSD      float64            `toml:"monthly_limit_usd"`
	CostPerTokenByType   map[string]float64 `toml:"cost_per_token"`
	UsageSourceRedisURL  string             `toml:"usage_source_redis_url"`
}

// Default returns the configuration defaults named throughout spec §6.2.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Routing: RoutingConfig{
			Strategy:   "smart",
			MaxRetries: 2,
			Scoring: ScoringWeights{
				Priority:    0.4,
				Load:        0.3,
				Latency:     0.2,
				TTFT:        0.1,
				BudgetBoost: 0.1,
			},
		},
		Aliases:   map[string]string{},
		Fallbacks: map[string][]string{},
		Policies:  map[string]PolicyConfig{},
		Quality: QualityConfig{
			ErrorRateThreshold:     0.5,
			TTFTPenaltyThresholdMs: 3000,
			MetricsIntervalSeconds: 30,
			ExpectedPeakRPS:        5,
		},
		Queue: QueueConfig{
			Enabled:        true,
			MaxSize:        100,
			MaxWaitSeconds: 30,
		},
		Health: HealthConfig{
			IntervalSeconds:     30,
			ProbeTimeoutSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "pretty",
		},
		Budget: BudgetConfig{
			CostPerTokenByType: map[string]float64{},
		},
	}
}

// Load reads a TOML file from path, falling back to defaults for any field
// omitted, then applies NEXUS_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv applies NEXUS_* scalar overrides, following the teacher's
// explicit-os.Getenv style rather than reflection over struct tags.
func (c *Config) applyEnv() {
	if v := os.Getenv("NEXUS_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("NEXUS_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("NEXUS_ROUTING_STRATEGY"); v != "" {
		c.Routing.Strategy = v
	}
	if v := os.Getenv("NEXUS_ROUTING_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Routing.MaxRetries = uint32(n)
		}
	}
	if v := os.Getenv("NEXUS_QUEUE_ENABLED"); v != "" {
		c.Queue.Enabled = parseBool(v)
	}
	if v := os.Getenv("NEXUS_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxSize = n
		}
	}
	if v := os.Getenv("NEXUS_QUEUE_MAX_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxWaitSeconds = n
		}
	}
	if v := os.Getenv("NEXUS_HEALTH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Health.IntervalSeconds = n
		}
	}
	if v := os.Getenv("NEXUS_QUALITY_ERROR_RATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Quality.ErrorRateThreshold = f
		}
	}
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	// RUST_LOG-equivalent: a generic filter directive that overrides the
	// level (it is read after NEXUS_LOG_LEVEL, so it wins); format is not
	// affected.
	if v := os.Getenv("NEXUS_LOG"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NEXUS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NEXUS_LOG_ENABLE_CONTENT_LOGGING"); v != "" {
		c.Logging.EnableContentLogging = parseBool(v)
	}
	if v := os.Getenv("NEXUS_BUDGET_MONTHLY_LIMIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MonthlyLimitUSD = f
		}
	}
	if v := os.Getenv("NEXUS_BUDGET_USAGE_SOURCE_REDIS_URL"); v != "" {
		c.Budget.UsageSourceRedisURL = v
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the invariants that would otherwise surface as confusing
// runtime behavior (ConfigError per spec §7 — fatal at startup).
func (c *Config) Validate() error {
	switch c.Routing.Strategy {
	case "smart", "round_robin", "priority_only", "random":
	default:
		return fmt.Errorf("routing.strategy %q is not one of smart|round_robin|priority_only|random", c.Routing.Strategy)
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must be >= 0")
	}
	if c.Queue.MaxWaitSeconds <= 0 {
		return fmt.Errorf("queue.max_wait_seconds must be > 0")
	}
	seenIDs := map[string]bool{}
	seenURLs := map[string]bool{}
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %q missing id", b.Name)
		}
		if seenIDs[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seenIDs[b.ID] = true
		normalized := strings.TrimSuffix(b.URL, "/")
		if seenURLs[normalized] {
			return fmt.Errorf("duplicate backend url %q", b.URL)
		}
		seenURLs[normalized] = true
	}
	for name, chain := range c.Aliases {
		if chain == name {
			return fmt.Errorf("alias %q resolves to itself", name)
		}
	}
	return nil
}
