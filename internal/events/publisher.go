// Package events fans out typed state-change notifications keyed by
// conversation id. Delivery is best-effort and at-most-once: a publish
// failure must never fail the operation that triggered it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the fan-out capability. Implementations: Redis pub/sub and
// no-op for deployments without a backing store.
type Publisher interface {
	// Publish delivers an event to the conversation's channel. Errors are
	// swallowed and logged, never returned to the caller.
	Publish(ctx context.Context, conversationID int64, event Event)
}

// Channel builds the pub/sub channel name for a conversation.
func Channel(conversationID int64) string {
	return fmt.Sprintf("conversation:%d:events", conversationID)
}

type redisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher builds a Publisher over Redis pub/sub.
func NewRedisPublisher(client *redis.Client) Publisher {
	return &redisPublisher{client: client}
}

func (p *redisPublisher) Publish(ctx context.Context, conversationID int64, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode event", "type", event.Type, "error", err)
		return
	}

	if err := p.client.Publish(ctx, Channel(conversationID), raw).Err(); err != nil {
		slog.WarnContext(ctx, "failed to publish event",
			"type", event.Type,
			"conversation_id", conversationID,
			"error", err)
	}
}

type noopPublisher struct{}

// NewNoopPublisher returns a Publisher that drops all events.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(ctx context.Context, conversationID int64, event Event) {}
