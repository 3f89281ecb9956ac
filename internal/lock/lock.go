// Package lock provides short-TTL mutual exclusion keyed by conversation id.
// It is the only cross-worker ordering guarantee for turn advancement: two
// workers racing on duplicate jobs for the same conversation cannot both
// advance a turn.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is the mutual-exclusion capability. Implementations: Redis-backed
// for multi-instance deployments, no-op for single-instance degraded mode.
type Locker interface {
	// Acquire attempts to set a unique marker for key, expiring after ttl.
	// Returns whether acquisition succeeded.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release deletes the marker unconditionally.
	Release(ctx context.Context, key string) error
}

// ConversationKey builds the lock key for a conversation.
func ConversationKey(conversationID int64) string {
	return fmt.Sprintf("lock:conversation:%d", conversationID)
}

// WithLock runs fn while holding the lock, releasing on every exit path.
// If the lock is held elsewhere, fn is skipped and held=false is returned;
// the caller treats that as "someone else is already advancing".
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (held bool, err error) {
	acquired, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !acquired {
		return false, nil
	}

	defer func() {
		if releaseErr := l.Release(ctx, key); releaseErr != nil {
			slog.WarnContext(ctx, "failed to release lock", "key", key, "error", releaseErr)
		}
	}()

	return true, fn(ctx)
}

type redisLocker struct {
	client *redis.Client
}

// NewRedisLocker builds a Locker over a Redis client using SET NX EX.
func NewRedisLocker(client *redis.Client) Locker {
	return &redisLocker{client: client}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		// A broken lock store must not fail the caller: fall back to
		// single-instance behavior instead of blocking all progress.
		slog.WarnContext(ctx, "lock store unavailable, degrading to always-acquire", "key", key, "error", err)
		return true, nil
	}
	return ok, nil
}

func (l *redisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

type noopLocker struct{}

// NewNoopLocker returns a Locker that always acquires. Used when no backing
// store is configured and the engine runs as a single instance.
func NewNoopLocker() Locker {
	return noopLocker{}
}

func (noopLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (noopLocker) Release(ctx context.Context, key string) error {
	return nil
}
