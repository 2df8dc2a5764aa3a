package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig is the runtime policy of the ledger engine. It can be changed
// without a restart by editing engine.yml.
type EngineConfig struct {
	LockWaitTimeout time.Duration `mapstructure:"lockWaitTimeout"`

	ExpirySweepInterval  time.Duration `mapstructure:"expirySweepInterval"`
	ExpirySweepBatchSize int           `mapstructure:"expirySweepBatchSize"`

	OutboxDispatchInterval time.Duration `mapstructure:"outboxDispatchInterval"`
	OutboxBatchSize        int           `mapstructure:"outboxBatchSize"`
	OutboxMaxAttempts      int           `mapstructure:"outboxMaxAttempts"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LockWaitTimeout:        5 * time.Second,
		ExpirySweepInterval:    time.Minute,
		ExpirySweepBatchSize:   500,
		OutboxDispatchInterval: 2 * time.Second,
		OutboxBatchSize:        100,
		OutboxMaxAttempts:      10,
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder returns a holder that never reloads.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("engine-config")

	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billable/config")
	v.AddConfigPath("/etc/billable")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.lockWaitTimeout", defaults.LockWaitTimeout)
	v.SetDefault("engine.expirySweepInterval", defaults.ExpirySweepInterval)
	v.SetDefault("engine.expirySweepBatchSize", defaults.ExpirySweepBatchSize)
	v.SetDefault("engine.outboxDispatchInterval", defaults.OutboxDispatchInterval)
	v.SetDefault("engine.outboxBatchSize", defaults.OutboxBatchSize)
	v.SetDefault("engine.outboxMaxAttempts", defaults.OutboxMaxAttempts)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticEngineConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return DefaultEngineConfig()
	}
	return h.current.Load().(EngineConfig)
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.LockWaitTimeout <= 0 {
		return errors.New("engine.lockWaitTimeout must be positive")
	}
	if cfg.ExpirySweepInterval <= 0 || cfg.OutboxDispatchInterval <= 0 {
		return errors.New("engine intervals must be positive")
	}
	if cfg.ExpirySweepBatchSize <= 0 || cfg.OutboxBatchSize <= 0 {
		return errors.New("engine batch sizes must be positive")
	}
	if cfg.OutboxMaxAttempts <= 0 {
		return errors.New("engine.outboxMaxAttempts must be positive")
	}
	return nil
}
