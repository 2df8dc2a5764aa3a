package scheduler

import (
	"time"

	"github.com/smallbiznis/billable/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	ExpiryInterval   time.Duration
	ExpiryBatchSize  int
	DispatchInterval time.Duration
	JobTimeout       time.Duration
	EnabledJobs      []string
}

func DefaultConfig() Config {
	engine := config.DefaultEngineConfig()
	return Config{
		ExpiryInterval:   engine.ExpirySweepInterval,
		ExpiryBatchSize:  engine.ExpirySweepBatchSize,
		DispatchInterval: engine.OutboxDispatchInterval,
		JobTimeout:       30 * time.Second,
	}
}

// FromEngine reads the scheduler policy out of the live engine config.
func FromEngine(engine config.EngineConfig) Config {
	return Config{
		ExpiryInterval:   engine.ExpirySweepInterval,
		ExpiryBatchSize:  engine.ExpirySweepBatchSize,
		DispatchInterval: engine.OutboxDispatchInterval,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = defaults.ExpiryInterval
	}
	if c.ExpiryBatchSize <= 0 {
		c.ExpiryBatchSize = defaults.ExpiryBatchSize
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaults.DispatchInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// tick is the loop period: the shorter of the two job intervals.
func (c Config) tick() time.Duration {
	if c.DispatchInterval < c.ExpiryInterval {
		return c.DispatchInterval
	}
	return c.ExpiryInterval
}
