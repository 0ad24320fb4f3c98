// Package redlock provides a Redis-backed mutual exclusion primitive with
// TTL auto-expiry. Acquisition is non-blocking and there are no fairness or
// re-entrancy guarantees; a crashed holder's lock clears itself when the TTL
// elapses.
package redlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token, so a
// release racing an expiry never removes another holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single named lock. Create one per acquisition attempt; the
// token ties Release to the matching Acquire.
type Lock struct {
	rdb   *redis.Client
	key   string
	ttl   time.Duration
	token string
}

// New creates a lock for the given key and TTL
func New(rdb *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		rdb:   rdb,
		key:   key,
		ttl:   ttl,
		token: uuid.NewString(),
	}
}

// Acquire attempts to take the lock without blocking. Returns false when
// another holder owns it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release frees the lock if this instance holds it; releasing a lock that
// expired or belongs to someone else is a no-op
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
