package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// duration is the YAML-side representation of a time.Duration. yaml.v3
// has no built-in handling for Go duration strings, so every config
// struct with duration fields decodes through an alias using this type.
// Accepted forms: a Go duration string ("300s", "10m", "24h") or a bare
// integer, read as seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", node.Kind)
	}
	if secs, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func (c *StatisticsConfig) UnmarshalYAML(node *yaml.Node) error {
	type alias struct {
		WindowDays            int      `yaml:"window_days"`
		MaxRunsPerEstimate    int      `yaml:"max_runs_per_estimate"`
		DecayHalfLifeDays     float64  `yaml:"decay_half_life_days"`
		IgnoreRecentTransient duration `yaml:"ignore_recent_transient"`
		MinDataPoints         int      `yaml:"min_data_points"`
		DefaultSuccessChance  float64  `yaml:"default_success_chance"`
		DefaultDuration       duration `yaml:"default_duration"`
	}
	a := alias{
		WindowDays:            c.WindowDays,
		MaxRunsPerEstimate:    c.MaxRunsPerEstimate,
		DecayHalfLifeDays:     c.DecayHalfLifeDays,
		IgnoreRecentTransient: duration(c.IgnoreRecentTransient),
		MinDataPoints:         c.MinDataPoints,
		DefaultSuccessChance:  c.DefaultSuccessChance,
		DefaultDuration:       duration(c.DefaultDuration),
	}
	if err := node.Decode(&a); err != nil {
		return err
	}
	c.WindowDays = a.WindowDays
	c.MaxRunsPerEstimate = a.MaxRunsPerEstimate
	c.DecayHalfLifeDays = a.DecayHalfLifeDays
	c.IgnoreRecentTransient = time.Duration(a.IgnoreRecentTransient)
	c.MinDataPoints = a.MinDataPoints
	c.DefaultSuccessChance = a.DefaultSuccessChance
	c.DefaultDuration = time.Duration(a.DefaultDuration)
	return nil
}

func (c *ScoringConfig) UnmarshalYAML(node *yaml.Node) error {
	type alias struct {
		FirstRunBonus     float64            `yaml:"first_run_bonus"`
		PublishModeValues map[string]float64 `yaml:"publish_mode_values"`
		DurationEpsilon   duration           `yaml:"duration_epsilon"`
	}
	a := alias{
		FirstRunBonus:     c.FirstRunBonus,
		PublishModeValues: c.PublishModeValues,
		DurationEpsilon:   duration(c.DurationEpsilon),
	}
	if err := node.Decode(&a); err != nil {
		return err
	}
	c.FirstRunBonus = a.FirstRunBonus
	c.PublishModeValues = a.PublishModeValues
	c.DurationEpsilon = time.Duration(a.DurationEpsilon)
	return nil
}

func (c *AssignmentConfig) UnmarshalYAML(node *yaml.Node) error {
	type alias struct {
		MinLease          duration `yaml:"min_lease"`
		MaxLease          duration `yaml:"max_lease"`
		LeaseMultiple     float64  `yaml:"lease_multiple"`
		NoWorkRetryAfter  duration `yaml:"no_work_retry_after"`
		RateLimitDeferral duration `yaml:"rate_limit_deferral"`
		MaxPopAttempts    int      `yaml:"max_pop_attempts"`
	}
	a := alias{
		MinLease:          duration(c.MinLease),
		MaxLease:          duration(c.MaxLease),
		LeaseMultiple:     c.LeaseMultiple,
		NoWorkRetryAfter:  duration(c.NoWorkRetryAfter),
		RateLimitDeferral: duration(c.RateLimitDeferral),
		MaxPopAttempts:    c.MaxPopAttempts,
	}
	if err := node.Decode(&a); err != nil {
		return err
	}
	c.MinLease = time.Duration(a.MinLease)
	c.MaxLease = time.Duration(a.MaxLease)
	c.LeaseMultiple = a.LeaseMultiple
	c.NoWorkRetryAfter = time.Duration(a.NoWorkRetryAfter)
	c.RateLimitDeferral = time.Duration(a.RateLimitDeferral)
	c.MaxPopAttempts = a.MaxPopAttempts
	return nil
}

func (c *IngestionConfig) UnmarshalYAML(node *yaml.Node) error {
	type alias struct {
		TransientPenalty    int      `yaml:"transient_penalty"`
		Cooldown            duration `yaml:"cooldown"`
		MissingDepsCooldown duration `yaml:"missing_deps_cooldown"`
	}
	a := alias{
		TransientPenalty:    c.TransientPenalty,
		Cooldown:            duration(c.Cooldown),
		MissingDepsCooldown: duration(c.MissingDepsCooldown),
	}
	if err := node.Decode(&a); err != nil {
		return err
	}
	c.TransientPenalty = a.TransientPenalty
	c.Cooldown = time.Duration(a.Cooldown)
	c.MissingDepsCooldown = time.Duration(a.MissingDepsCooldown)
	return nil
}

func (c *LifecycleConfig) UnmarshalYAML(node *yaml.Node) error {
	type alias struct {
		TickInterval    duration `yaml:"tick_interval"`
		StallWindow     duration `yaml:"stall_window"`
		RedisAddr       string   `yaml:"redis_addr"`
		NotifyChannel   string   `yaml:"notify_channel"`
		SlackWebhookURL string   `yaml:"slack_webhook_url"`
	}
	a := alias{
		TickInterval:    duration(c.TickInterval),
		StallWindow:     duration(c.StallWindow),
		RedisAddr:       c.RedisAddr,
		NotifyChannel:   c.NotifyChannel,
		SlackWebhookURL: c.SlackWebhookURL,
	}
	if err := node.Decode(&a); err != nil {
		return err
	}
	c.TickInterval = time.Duration(a.TickInterval)
	c.StallWindow = time.Duration(a.StallWindow)
	c.RedisAddr = a.RedisAddr
	c.NotifyChannel = a.NotifyChannel
	c.SlackWebhookURL = a.SlackWebhookURL
	return nil
}

func (c *DatabaseConfig) UnmarshalYAML(node *yaml.Node) error {
	type alias struct {
		DSN             string   `yaml:"dsn"`
		MaxOpenConns    int      `yaml:"max_open_conns"`
		MaxIdleConns    int      `yaml:"max_idle_conns"`
		ConnMaxLifetime duration `yaml:"conn_max_lifetime"`
	}
	a := alias{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: duration(c.ConnMaxLifetime),
	}
	if err := node.Decode(&a); err != nil {
		return err
	}
	c.DSN = a.DSN
	c.MaxOpenConns = a.MaxOpenConns
	c.MaxIdleConns = a.MaxIdleConns
	c.ConnMaxLifetime = time.Duration(a.ConnMaxLifetime)
	return nil
}
