package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEngineConfigDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewEngineConfigHolder(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), holder.Get())
}

func TestEngineConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("engine:\n  lockWaitTimeout: 750ms\n  outboxBatchSize: 25\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.yml"), content, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewEngineConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 750*time.Millisecond, cfg.LockWaitTimeout)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
	assert.Equal(t, DefaultEngineConfig().ExpirySweepBatchSize, cfg.ExpirySweepBatchSize)
}

func TestValidateEngineConfigRejectsZeroTimeout(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.LockWaitTimeout = 0
	assert.Error(t, validateEngineConfig(cfg))
}

func TestLoadNormalizesBackends(t *testing.T) {
	t.Setenv("LOCK_BACKEND", "REDIS")
	t.Setenv("EVENTS_SINK", "carrier-pigeon")
	cfg := Load()
	assert.Equal(t, LockBackendRedis, cfg.LockBackend)
	assert.Equal(t, EventsSinkLog, cfg.EventsSink)
}
