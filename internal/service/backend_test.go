package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_Memory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Backend: "memory"}

	b, err := OpenBackend(cfg, true)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.LocalPaymentLock{}, b.Locker)
	assert.Empty(t, b.Checks)
	require.NotNil(t, b.Repos.Providers)
}

func TestOpenBackend_MemoryWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{
		Backend: "memory",
		Redis:   config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 2},
	}

	b, err := OpenBackend(cfg, false)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.PaymentLock{}, b.Locker)
	require.Contains(t, b.Checks, "redis")
	assert.NoError(t, b.Checks["redis"](context.Background()))

	release, ok, err := b.Locker.Acquire(context.Background(), "pi_1")
	require.NoError(t, err)
	require.True(t, ok)
	release()
}
