// Package realtime carries per-conversation row events between the store and
// live sessions. Within one conversation events are delivered in publish
// order; across conversations no ordering is guaranteed.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/proximo-app/proximo/pkg/models"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one row change scoped to a conversation.
type Event struct {
	Type EventType      `json:"type"`
	Row  models.Message `json:"row"`
}

// Bus is the realtime event transport. Subscribe returns a fresh handle; after
// a transport reconnect callers resubscribe rather than reuse a stale handle.
type Bus interface {
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
	Publish(ctx context.Context, conversationID string, ev Event) error
}

// Subscription is one live event stream. C is closed when the subscription is
// torn down.
type Subscription struct {
	C     <-chan Event
	close func()
}

func NewSubscription(c <-chan Event, closeFn func()) *Subscription {
	return &Subscription{C: c, close: closeFn}
}

func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

func conversationChannel(id string) string {
	return fmt.Sprintf("conv:%s:events", id)
}

// RedisBus implements Bus over Redis pub/sub, one channel per conversation.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, conversationID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, conversationChannel(conversationID), payload).Err(); err != nil {
		b.logger.Error("Failed to publish event",
			"conversation_id", conversationID, "type", ev.Type, "error", err)
		return err
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, conversationChannel(conversationID))
	// Force the subscribe round trip so failures surface here, not on first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Error("Dropping malformed event",
					"conversation_id", conversationID, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	b.logger.Debug("Subscribed to conversation events", "conversation_id", conversationID)
	return NewSubscription(out, func() { pubsub.Close() }), nil
}
