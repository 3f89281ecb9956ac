// Package cache provides the ephemeral fast-store view of conversations and
// credit balances. Nothing here is authoritative: every value is reconcilable
// from the relational store, and the no-op implementation simply always
// misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/model"
)

const (
	sessionTTL = 24 * time.Hour
	balanceTTL = 60 * time.Second
)

// SessionCache is the capability interface for session state and the cached
// credit balance. Implementations: Redis-backed and no-op.
type SessionCache interface {
	GetSession(ctx context.Context, conversationID int64) (*model.SessionState, error)
	SetSession(ctx context.Context, conversationID int64, state *model.SessionState) error

	// BufferInterjection stores a pending interjection only if none is
	// outstanding. Returns whether it was buffered.
	BufferInterjection(ctx context.Context, conversationID int64, content string) (bool, error)
	// TakeInterjection removes and returns the pending interjection, if any.
	TakeInterjection(ctx context.Context, conversationID int64) (string, bool, error)

	GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error)
	SetBalance(ctx context.Context, userID int64, b *model.CreditBalance) error
	InvalidateBalance(ctx context.Context, userID int64) error
}

func sessionKey(conversationID int64) string {
	return fmt.Sprintf("session:conversation:%d", conversationID)
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("balance:user:%d", userID)
}

type redisCache struct {
	client *redis.Client
}

// NewRedisCache builds a SessionCache over Redis.
func NewRedisCache(client *redis.Client) SessionCache {
	return &redisCache{client: client}
}

func (c *redisCache) GetSession(ctx context.Context, conversationID int64) (*model.SessionState, error) {
	raw, err := c.client.Get(ctx, sessionKey(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var state model.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &state, nil
}

func (c *redisCache) SetSession(ctx context.Context, conversationID int64, state *model.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(conversationID), raw, sessionTTL).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (c *redisCache) BufferInterjection(ctx context.Context, conversationID int64, content string) (bool, error) {
	state, err := c.GetSession(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	if state.PendingInterjection != nil {
		// At most one outstanding interjection.
		return false, nil
	}

	state.PendingInterjection = &content
	if err := c.SetSession(ctx, conversationID, state); err != nil {
		return false, err
	}
	return true, nil
}

func (c *redisCache) TakeInterjection(ctx context.Context, conversationID int64) (string, bool, error) {
	state, err := c.GetSession(ctx, conversationID)
	if err != nil {
		return "", false, err
	}
	if state == nil || state.PendingInterjection == nil {
		return "", false, nil
	}

	content := *state.PendingInterjection
	state.PendingInterjection = nil
	if err := c.SetSession(ctx, conversationID, state); err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (c *redisCache) GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	raw, err := c.client.Get(ctx, balanceKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached balance: %w", err)
	}

	var b model.CreditBalance
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode cached balance: %w", err)
	}
	return &b, nil
}

func (c *redisCache) SetBalance(ctx context.Context, userID int64, b *model.CreditBalance) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	if err := c.client.Set(ctx, balanceKey(userID), raw, balanceTTL).Err(); err != nil {
		return fmt.Errorf("set cached balance: %w", err)
	}
	return nil
}

func (c *redisCache) InvalidateBalance(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached balance: %w", err)
	}
	return nil
}

type noopCache struct{}

// NewNoopCache returns a SessionCache that always misses. Interjections are
// never buffered, so callers fall back to direct enqueueing.
func NewNoopCache() SessionCache {
	return noopCache{}
}

func (noopCache) GetSession(ctx context.Context, conversationID int64) (*model.SessionState, error) {
	return nil, nil
}

func (noopCache) SetSession(ctx context.Context, conversationID int64, state *model.SessionState) error {
	return nil
}

func (noopCache) BufferInterjection(ctx context.Context, conversationID int64, content string) (bool, error) {
	return false, nil
}

func (noopCache) TakeInterjection(ctx context.Context, conversationID int64) (string, bool, error) {
	return "", false, nil
}

func (noopCache) GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	return nil, nil
}

func (noopCache) SetBalance(ctx context.Context, userID int64, b *model.CreditBalance) error {
	return nil
}

func (noopCache) InvalidateBalance(ctx context.Context, userID int64) error {
	return nil
}
