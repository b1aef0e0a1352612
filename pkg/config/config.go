package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all apec configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Log       logger.Config   `yaml:"log"`
	Governor  GovernorConfig  `yaml:"governor"`
	Router    RouterConfig    `yaml:"router"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Decisions DecisionConfig  `yaml:"decisions"`
}

// GovernorConfig controls the rolling usage window and admission zones.
type GovernorConfig struct {
	WindowDuration      time.Duration `yaml:"window_duration"`
	WindowCeiling       int64         `yaml:"window_ceiling"`
	HistoryLimit        int           `yaml:"history_limit"`
	ThrottleThreshold   float64       `yaml:"throttle_threshold"`
	CriticalThreshold   float64       `yaml:"critical_threshold"`
	CriticalMinPriority int           `yaml:"critical_min_priority"`
	HighTierCostRatio   float64       `yaml:"high_tier_cost_ratio"`
}

// RouterConfig controls tier recommendation scoring.
type RouterConfig struct {
	HighThreshold    float64             `yaml:"high_threshold"`
	EconomyThreshold float64             `yaml:"economy_threshold"`
	AmpleHeadroom    float64             `yaml:"ample_headroom"`
	Smoothing        float64             `yaml:"smoothing"`
	Weights          models.RouteWeights `yaml:"weights"`
}

// CacheConfig controls the three lookup tiers.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MinPrefixChars      int           `yaml:"min_prefix_chars"`
	L1TTL               time.Duration `yaml:"l1_ttl"`
	L2TTL               time.Duration `yaml:"l2_ttl"`
	L3TTL               time.Duration `yaml:"l3_ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
}

// SchedulerConfig controls wave execution and task retry.
type SchedulerConfig struct {
	WaveConcurrency   int           `yaml:"wave_concurrency"`
	GlobalConcurrency int64         `yaml:"global_concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`
	AdmitRetryDelay   time.Duration `yaml:"admit_retry_delay"`
	OpTimeout         time.Duration `yaml:"op_timeout"`
}

// ExecutorConfig points the default HTTP executor at a backend.
type ExecutorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DecisionConfig controls the decision audit log.
type DecisionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns a Config with the documented default tunables.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "apec.db",
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Governor: GovernorConfig{
			WindowDuration:      5 * time.Hour,
			WindowCeiling:       1000,
			HistoryLimit:        24,
			ThrottleThreshold:   0.80,
			CriticalThreshold:   0.95,
			CriticalMinPriority: 8,
			HighTierCostRatio:   5.0,
		},
		Router: RouterConfig{
			HighThreshold:    6.5,
			EconomyThreshold: 4.5,
			AmpleHeadroom:    0.5,
			Smoothing:        0.2,
			Weights: models.RouteWeights{
				Complexity: 0.4,
				Headroom:   0.3,
				History:    0.2,
				Priority:   0.1,
			},
		},
		Cache: CacheConfig{
			Enabled:             true,
			MinPrefixChars:      256,
			L1TTL:               5 * time.Minute,
			L2TTL:               time.Hour,
			L3TTL:               24 * time.Hour,
			SimilarityThreshold: 0.85,
		},
		Scheduler: SchedulerConfig{
			WaveConcurrency:   10,
			GlobalConcurrency: 32,
			MaxRetries:        3,
			RetryBaseDelay:    500 * time.Millisecond,
			RetryMaxDelay:     30 * time.Second,
			ExecTimeout:       2 * time.Minute,
			AdmitRetryDelay:   2 * time.Second,
			OpTimeout:         10 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout: 2 * time.Minute,
		},
		Decisions: DecisionConfig{
			Enabled:       true,
			DBPath:        "apec-decisions.db",
			RetentionDays: 30,
		},
	}
}

// Load reads a YAML config file, expands environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects tunable combinations the components cannot operate
// with.
func (c *Config) Validate() error {
	g := c.Governor
	if g.WindowDuration <= 0 {
		return fmt.Errorf("governor: window_duration must be positive")
	}
	if g.WindowCeiling <= 0 {
		return fmt.Errorf("governor: window_ceiling must be positive")
	}
	if g.ThrottleThreshold <= 0 || g.ThrottleThreshold >= 1 {
		return fmt.Errorf("governor: throttle_threshold must be in (0,1)")
	}
	if g.CriticalThreshold <= g.ThrottleThreshold || g.CriticalThreshold > 1 {
		return fmt.Errorf("governor: critical_threshold must be in (throttle_threshold,1]")
	}

	r := c.Router
	if r.EconomyThreshold >= r.HighThreshold {
		return fmt.Errorf("router: economy_threshold must be below high_threshold")
	}
	sum := r.Weights.Complexity + r.Weights.Headroom + r.Weights.History + r.Weights.Priority
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("router: weights sum to %.3f, want 1.0", sum)
	}
	if r.Smoothing <= 0 || r.Smoothing > 1 {
		return fmt.Errorf("router: smoothing must be in (0,1]")
	}

	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache: similarity_threshold must be in (0,1]")
	}

	s := c.Scheduler
	if s.WaveConcurrency <= 0 {
		return fmt.Errorf("scheduler: wave_concurrency must be positive")
	}
	if s.GlobalConcurrency <= 0 {
		return fmt.Errorf("scheduler: global_concurrency must be positive")
	}
	return nil
}
