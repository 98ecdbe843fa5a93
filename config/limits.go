package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultFlushSize       = 8
	DefaultFlushInterval   = 20 * time.Millisecond
	DefaultUpstreamTimeout = 90 * time.Second

	CounterBackendPostgres = "postgres"
	CounterBackendRedis    = "redis"
)

// RelayConfig tunes the completion relay's flush policy.
type RelayConfig struct {
	SizeThreshold   int           `mapstructure:"size_threshold"`
	TimeThreshold   time.Duration `mapstructure:"time_threshold"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	DiagnosticTurns int           `mapstructure:"diagnostic_turns"`
}

// Normalize fills unset or nonsensical values with defaults.
func (c RelayConfig) Normalize() RelayConfig {
	if c.SizeThreshold <= 0 {
		c.SizeThreshold = DefaultFlushSize
	}
	if c.TimeThreshold <= 0 {
		c.TimeThreshold = DefaultFlushInterval
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.DiagnosticTurns < 0 {
		c.DiagnosticTurns = 0
	}
	return c
}

// WindowConfig is one fixed-window rate limit.
type WindowConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// TierLimits holds a limit per non-premium tier. Zero means unlimited.
type TierLimits struct {
	Guest int `mapstructure:"guest"`
	Free  int `mapstructure:"free"`
}

// QuotaConfig holds rate windows and tiered usage limits.
type QuotaConfig struct {
	CounterBackend  string        `mapstructure:"counter_backend"`
	IP              WindowConfig  `mapstructure:"ip"`
	Owner           WindowConfig  `mapstructure:"owner"`
	Turns           TierLimits    `mapstructure:"turns"`
	Creations       TierLimits    `mapstructure:"creations"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

// Normalize standardises the backend name and clamps negative limits to zero.
func (c QuotaConfig) Normalize() QuotaConfig {
	c.CounterBackend = strings.ToLower(strings.TrimSpace(c.CounterBackend))
	if c.CounterBackend == "" {
		c.CounterBackend = CounterBackendPostgres
	}
	for _, v := range []*int{&c.Turns.Guest, &c.Turns.Free, &c.Creations.Guest, &c.Creations.Free} {
		if *v < 0 {
			*v = 0
		}
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 30 * time.Second
	}
	return c
}

func (c QuotaConfig) Validate() error {
	switch c.CounterBackend {
	case CounterBackendPostgres, CounterBackendRedis:
	default:
		return fmt.Errorf("quota.counter_backend must be postgres or redis, got %q", c.CounterBackend)
	}
	for name, w := range map[string]WindowConfig{"quota.ip": c.IP, "quota.owner": c.Owner} {
		if w.Limit <= 0 {
			return fmt.Errorf("%s.limit must be > 0", name)
		}
		if w.Window <= 0 {
			return fmt.Errorf("%s.window must be > 0", name)
		}
	}
	return nil
}
