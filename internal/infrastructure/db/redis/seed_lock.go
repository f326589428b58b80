package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	seedLockKey       = "lock:seed:roles"
	defaultLockTTL    = 30 * time.Second
	lockRetryInterval = 200 * time.Millisecond
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrLockNotAcquired = errors.New("seed lock not acquired")

// SeedLock is a single-holder lease backed by SET NX PX. It makes the
// read-then-create seeding sequence a critical section across instances.
type SeedLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSeedLock creates a SeedLock. The lease expires after ttl so a crashed
// holder cannot block seeding forever.
func NewSeedLock(client *redis.Client, ttl time.Duration) *SeedLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &SeedLock{client: client, ttl: ttl}
}

// Acquire retries until the lease is taken or ctx is done. Redis errors are
// retried too; the last one is reported if ctx runs out.
func (l *SeedLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := l.client.SetNX(ctx, seedLockKey, token, l.ttl).Result()
		if err == nil && ok {
			return func() { l.release(token) }, nil
		}
		if err != nil && ctx.Err() == nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %w (last error: %w)", ErrLockNotAcquired, ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrLockNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release runs on its own short context so a cancelled seeding context does
// not leave the lease behind.
func (l *SeedLock) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{seedLockKey}, token).Err()
}
