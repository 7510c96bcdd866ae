// Package config loads the scheduler's tuning constants from a YAML file
// with environment variable overrides, and watches the file for changes so
// a reload can atomically swap in a new immutable snapshot without
// restarting the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the worker/admin HTTP listener.
type ServerConfig struct {
	WorkerPort  string `yaml:"worker_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// StatisticsConfig tunes the success-probability and duration estimators
// of the Statistics Engine.
type StatisticsConfig struct {
	WindowDays               int           `yaml:"window_days"`
	MaxRunsPerEstimate       int           `yaml:"max_runs_per_estimate"`
	DecayHalfLifeDays        float64       `yaml:"decay_half_life_days"`
	IgnoreRecentTransient    time.Duration `yaml:"ignore_recent_transient"`
	MinDataPoints            int           `yaml:"min_data_points"`
	DefaultSuccessChance     float64       `yaml:"default_success_chance"`
	DefaultDuration          time.Duration `yaml:"default_duration"`
}

// ScoringConfig tunes the Scoring Engine formula.
type ScoringConfig struct {
	FirstRunBonus float64            `yaml:"first_run_bonus"`
	PublishModeValues map[string]float64 `yaml:"publish_mode_values"`
	DurationEpsilon time.Duration    `yaml:"duration_epsilon"`
}

// AssignmentConfig tunes the Assignment Service's lease and rate-limit
// behavior.
type AssignmentConfig struct {
	MinLease          time.Duration `yaml:"min_lease"`
	MaxLease          time.Duration `yaml:"max_lease"`
	LeaseMultiple     float64       `yaml:"lease_multiple"`
	NoWorkRetryAfter  time.Duration `yaml:"no_work_retry_after"`
	RateLimitDeferral time.Duration `yaml:"rate_limit_deferral"`
	MaxPopAttempts    int           `yaml:"max_pop_attempts"`
}

// RateLimitConfig tunes the slow-start publish-policy rate limiter.
type RateLimitConfig struct {
	InitialCap       int     `yaml:"initial_cap"`
	GrowthPerSuccess int     `yaml:"growth_per_success"`
	HalvingStreak    int     `yaml:"halving_streak"`
	MaxCap           int     `yaml:"max_cap"`
}

// IngestionConfig tunes the Result Ingestor's requeue behavior for
// transient failures.
type IngestionConfig struct {
	TransientPenalty    int           `yaml:"transient_penalty"`
	Cooldown            time.Duration `yaml:"cooldown"`
	MissingDepsCooldown time.Duration `yaml:"missing_deps_cooldown"`
}

// LifecycleConfig tunes the Lifecycle Supervisor's periodic sweeps.
type LifecycleConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	StallWindow      time.Duration `yaml:"stall_window"`
	RedisAddr        string        `yaml:"redis_addr"`
	NotifyChannel    string        `yaml:"notify_channel"`
	SlackWebhookURL  string        `yaml:"slack_webhook_url"`
}

// DatabaseConfig controls the persistence layer's connection pool.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig selects the verbosity and rendering of both loggers.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete, immutable scheduler configuration snapshot.
// Reload produces a new *Config rather than mutating an existing one, so
// components holding a pointer never observe a half-applied update.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Statistics StatisticsConfig `yaml:"statistics"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Assignment AssignmentConfig `yaml:"assignment"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	// ResultCodes overlays operator-supplied result-code classifications
	// (success, no-op, transient, permanent) on the built-in table.
	ResultCodes map[string]string `yaml:"result_codes"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WorkerPort:  "8080",
			MetricsPort: "9090",
		},
		Statistics: StatisticsConfig{
			WindowDays:            30,
			MaxRunsPerEstimate:    100,
			DecayHalfLifeDays:     7,
			IgnoreRecentTransient: 24 * time.Hour,
			MinDataPoints:         5,
			DefaultSuccessChance:  0.5,
			DefaultDuration:       15 * time.Minute,
		},
		Scoring: ScoringConfig{
			FirstRunBonus: 100,
			PublishModeValues: map[string]float64{
				"skip":        0,
				"build-only":  0,
				"bts":         100,
				"propose":     400,
				"attempt-push": 450,
				"push":        500,
				"push-derived": 450,
			},
			DurationEpsilon: time.Second,
		},
		Assignment: AssignmentConfig{
			MinLease:          10 * time.Minute,
			MaxLease:          24 * time.Hour,
			LeaseMultiple:     2,
			NoWorkRetryAfter:  60 * time.Second,
			RateLimitDeferral: 300 * time.Second,
			MaxPopAttempts:    10,
		},
		RateLimit: RateLimitConfig{
			InitialCap:       1,
			GrowthPerSuccess: 1,
			HalvingStreak:    3,
			MaxCap:           50,
		},
		Ingestion: IngestionConfig{
			TransientPenalty:    100,
			Cooldown:            300 * time.Second,
			MissingDepsCooldown: 600 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			TickInterval:  30 * time.Second,
			StallWindow:   10 * time.Minute,
			NotifyChannel: "scheduler:lifecycle",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path, applies defaults for anything left unset, applies
// environment variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv overlays a handful of frequently-overridden settings from
// the environment, matching the split between file-based defaults and
// operational knobs that are usually set per-deployment.
func loadFromEnv(config *Config) error {
	if v := os.Getenv("SCHEDULER_WORKER_PORT"); v != "" {
		config.Server.WorkerPort = v
	}
	if v := os.Getenv("SCHEDULER_METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("SCHEDULER_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SCHEDULER_DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("SCHEDULER_REDIS_ADDR"); v != "" {
		config.Lifecycle.RedisAddr = v
	}
	if v := os.Getenv("SCHEDULER_WINDOW_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCHEDULER_WINDOW_DAYS: %w", err)
		}
		config.Statistics.WindowDays = n
	}
	return nil
}

func validate(config *Config) error {
	if config.Server.WorkerPort == "" {
		return fmt.Errorf("server worker port is required")
	}
	if config.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if config.Statistics.WindowDays <= 0 {
		return fmt.Errorf("statistics window_days must be greater than 0")
	}
	if config.Statistics.MinDataPoints <= 0 {
		return fmt.Errorf("statistics min_data_points must be greater than 0")
	}
	if config.Statistics.DefaultSuccessChance < 0 || config.Statistics.DefaultSuccessChance > 1 {
		return fmt.Errorf("statistics default_success_chance must be between 0.0 and 1.0")
	}
	if config.Assignment.MinLease <= 0 {
		return fmt.Errorf("assignment min_lease must be greater than 0")
	}
	if config.Assignment.MaxLease < config.Assignment.MinLease {
		return fmt.Errorf("assignment max_lease must be greater than or equal to min_lease")
	}
	if config.RateLimit.InitialCap <= 0 {
		return fmt.Errorf("rate_limit initial_cap must be greater than 0")
	}
	if config.Ingestion.Cooldown < 0 {
		return fmt.Errorf("ingestion cooldown must not be negative")
	}
	return nil
}
