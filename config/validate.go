package config

import (
	"time"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
)

// Validate checks that the configuration is valid. Fatal mis-values
// return typed errors; recoverable ones are clamped with a warning.
func (c *Config) Validate() error {
	// Port: 0 is invalid (omit for default), negative is invalid
	if c.Port != nil && *c.Port == 0 {
		return errors.NewInvalidConfig("port cannot be 0 (omit for default port %d)", DefaultPort)
	}
	if c.Port != nil && *c.Port < 0 {
		return errors.NewInvalidConfig("port must be positive, got %d", *c.Port)
	}

	// Pool size: at least one worker slot or nothing can be dispatched
	if c.PoolSize < 1 {
		return errors.NewInvalidConfig("pool_size must be >= 1, got %d", c.PoolSize)
	}

	if c.WorkerDirs == "" {
		return errors.NewInvalidConfig("worker_dirs cannot be empty")
	}

	if c.Runner == "" {
		return errors.NewInvalidConfig("runner cannot be empty")
	}

	if c.DelayMS < 0 {
		return errors.NewInvalidConfig("delay_ms must be >= 0, got %d", c.DelayMS)
	}

	if c.ShutdownGraceSeconds < 0 {
		return errors.NewInvalidConfig("shutdown_grace_seconds must be >= 0, got %d", c.ShutdownGraceSeconds)
	}

	// Sweep interval below 1s adds churn without improving retirement
	// accuracy; clamp rather than fail.
	if c.SweepIntervalSeconds < 1 {
		logger.Warnw("sweep_interval_seconds below 1, clamping",
			"configured", c.SweepIntervalSeconds)
		c.SweepIntervalSeconds = 1
	}

	if c.SpawnRatePerSecond <= 0 {
		logger.Warnw("spawn_rate_per_second must be positive, using default",
			"configured", c.SpawnRatePerSecond)
		c.SpawnRatePerSecond = 8.0
	}
	if c.SpawnBurst < 1 {
		logger.Warnw("spawn_burst must be >= 1, using default",
			"configured", c.SpawnBurst)
		c.SpawnBurst = 4
	}

	return nil
}

// ShutdownGrace returns the drain grace period as a duration
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// SweepInterval returns the retirement sweep cadence as a duration
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// DispatchDelay returns the artificial pre-proxy delay
func (c *Config) DispatchDelay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}
