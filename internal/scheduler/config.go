// Package scheduler runs the coordinator's periodic background sweeps.
package scheduler

import "time"

// Config defines the sweeper configuration.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Second,
	}
}

// interval returns the configured interval, falling back to the default.
func (c *Config) interval() time.Duration {
	if c == nil || c.Interval <= 0 {
		return DefaultConfig().Interval
	}
	return c.Interval
}
