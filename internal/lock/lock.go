// Package lock provides the short-lived mutual exclusion used to keep dispatch
// sweeps from overlapping across server replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrHeld = errors.New("lock held elsewhere")
	// ErrLost means the lease expired before it was refreshed.
	ErrLost = errors.New("lock lease lost")
)

// Lease is a held lock.
type Lease struct {
	refresh func(ctx context.Context, ttl time.Duration) (bool, error)
	release func(ctx context.Context) error
}

// Refresh moves the expiry to ttl from now while the lease is still ours.
func (l *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	ok, err := l.refresh(ctx, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	return nil
}

// Release gives the lock up. Releasing after expiry is a no-op.
func (l *Lease) Release(ctx context.Context) error { return l.release(ctx) }

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key only if it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		refresh: func(ctx context.Context, ttl time.Duration) (bool, error) {
			n, err := refreshScript.Run(ctx, l.client, []string{lockKey(key)}, token, ttl.Milliseconds()).Int()
			if err != nil {
				return false, fmt.Errorf("refresh %s: %w", key, err)
			}
			return n == 1, nil
		},
		release: func(ctx context.Context) error {
			return releaseScript.Run(ctx, l.client, []string{lockKey(key)}, token).Err()
		},
	}, nil
}

func lockKey(key string) string { return "lock:" + key }

// LocalLocker is the single-process fallback when Redis is not configured.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	clock func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), clock: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return &Lease{
		refresh: func(_ context.Context, ttl time.Duration) (bool, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			now := l.clock()
			cur, ok := l.held[key]
			if !ok || cur.token != token || !now.Before(cur.expires) {
				return false, nil
			}
			l.held[key] = localLease{token: token, expires: now.Add(ttl)}
			return true, nil
		},
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.token == token {
				delete(l.held, key)
			}
			return nil
		},
	}, nil
}
