package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow("198.51.100.1"))
	assert.True(t, rl.Allow("198.51.100.1"))
	assert.False(t, rl.Allow("198.51.100.1"), "burst exhausted")

	assert.True(t, rl.Allow("198.51.100.2"), "other clients keep their own bucket")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("198.51.100.1"))
	}

	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("198.51.100.1"))
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow("198.51.100.1")

	rl.mu.Lock()
	rl.limiters["198.51.100.1"].lastSeen = time.Now().Add(-time.Hour)
	rl.lastSweep = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Allow("198.51.100.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "198.51.100.1")
	assert.Contains(t, rl.limiters, "198.51.100.2")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "203.0.113.7", clientKey(req))

	req.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", clientKey(req))
}
