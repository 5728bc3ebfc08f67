package scheduler

import "time"

// Config controls the refill sweep interval and batch size.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   100,
		LockTTL:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig() Config {
	return DefaultConfig()
}
