package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLock(t *testing.T, ttl time.Duration) (*PaymentLock, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewPaymentLock(client, ttl), mr
}

func TestPaymentLock_ExclusiveUntilReleased(t *testing.T) {
	lock, mr := setupTestLock(t, 30*time.Second)
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "pay_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(paymentLockPrefix+"pay_1"))

	_, ok, err = lock.Acquire(ctx, "pay_1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = lock.Acquire(ctx, "pay_2")
	require.NoError(t, err)
	assert.True(t, ok, "locks are per payment id")

	release()
	assert.False(t, mr.Exists(paymentLockPrefix+"pay_1"))

	_, ok, err = lock.Acquire(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPaymentLock_ExpiresAfterTTL(t *testing.T) {
	lock, mr := setupTestLock(t, time.Second)
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "pay_ttl")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = lock.Acquire(ctx, "pay_ttl")
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}

func TestPaymentLock_StaleReleaseKeepsNewHolder(t *testing.T) {
	lock, mr := setupTestLock(t, time.Second)
	ctx := context.Background()

	staleRelease, ok, err := lock.Acquire(ctx, "pay_stale")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = lock.Acquire(ctx, "pay_stale")
	require.NoError(t, err)
	require.True(t, ok)

	staleRelease()
	assert.True(t, mr.Exists(paymentLockPrefix+"pay_stale"), "old token must not delete the new holder's lock")
}

func TestPaymentLock_RedisDown(t *testing.T) {
	lock, mr := setupTestLock(t, time.Second)
	mr.Close()

	_, ok, err := lock.Acquire(context.Background(), "pay_down")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLocalPaymentLock(t *testing.T) {
	lock := NewLocalPaymentLock()
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "pay_1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = lock.Acquire(ctx, "pay_1")
	assert.False(t, ok)

	release()
	release()

	_, ok, _ = lock.Acquire(ctx, "pay_1")
	assert.True(t, ok)
}
