package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const paymentLockPrefix = "payment:lock:"

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PaymentLock serializes concurrent processing of the same payment id across instances.
// The unique index on processed purchase log entries stays the authoritative guard;
// the lock only keeps near-simultaneous retries from racing through side effects.
type PaymentLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPaymentLock creates a Redis-backed payment lock
func NewPaymentLock(client *redis.Client, ttl time.Duration) *PaymentLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PaymentLock{client: client, ttl: ttl}
}

// Acquire tries to take the lock for a payment id. It returns a release func and false
// when another holder already has it.
func (l *PaymentLock) Acquire(ctx context.Context, paymentID string) (func(), bool, error) {
	key := paymentLockPrefix + paymentID
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire payment lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// LocalPaymentLock is the single-process fallback used when Redis is not configured
type LocalPaymentLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalPaymentLock creates an in-process payment lock
func NewLocalPaymentLock() *LocalPaymentLock {
	return &LocalPaymentLock{held: make(map[string]struct{})}
}

// Acquire tries to take the lock for a payment id
func (l *LocalPaymentLock) Acquire(_ context.Context, paymentID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[paymentID]; busy {
		return nil, false, nil
	}
	l.held[paymentID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, paymentID)
			l.mu.Unlock()
		})
	}
	return release, true, nil
}
