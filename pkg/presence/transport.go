// Package presence tracks ephemeral online membership over a named channel.
// Entries live only in the transport; absence means offline now, not never
// online. Profile last-active is the display fallback.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Transport is the ephemeral membership primitive: join/leave plus full-set
// reads and change notifications. Members are opaque strings; the registry
// layers the user/connection encoding on top.
type Transport interface {
	// Join announces a member and keeps it alive until the returned leave
	// function runs or ctx is cancelled. Transport failure removes the member
	// on its own via expiry; no manual leave is required.
	Join(ctx context.Context, channel, member string) (leave func(), err error)
	Members(ctx context.Context, channel string) ([]string, error)
	// Changes notifies on every membership change until ctx is cancelled.
	Changes(ctx context.Context, channel string) (<-chan struct{}, error)
}

// RedisTransport keeps membership in a sorted set scored by expiry time, with
// per-member heartbeat refresh and pub/sub change notifications. A member
// whose heartbeats stop (crash, dropped link) ages out within the TTL.
type RedisTransport struct {
	rdb       *redis.Client
	ttl       time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewRedisTransport(rdb *redis.Client, ttl, heartbeat time.Duration, logger *slog.Logger) *RedisTransport {
	return &RedisTransport{rdb: rdb, ttl: ttl, heartbeat: heartbeat, logger: logger}
}

func membersKey(channel string) string {
	return fmt.Sprintf("presence:%s", channel)
}

func changesChannel(channel string) string {
	return fmt.Sprintf("presence:%s:changed", channel)
}

func (t *RedisTransport) announce(ctx context.Context, channel string) {
	if err := t.rdb.Publish(ctx, changesChannel(channel), "1").Err(); err != nil {
		t.logger.Debug("Failed to announce presence change", "channel", channel, "error", err)
	}
}

func (t *RedisTransport) add(ctx context.Context, channel, member string) error {
	score := float64(time.Now().Add(t.ttl).UnixMilli())
	return t.rdb.ZAdd(ctx, membersKey(channel), &redis.Z{Score: score, Member: member}).Err()
}

func (t *RedisTransport) Join(ctx context.Context, channel, member string) (func(), error) {
	if err := t.add(ctx, channel, member); err != nil {
		return nil, fmt.Errorf("presence join: %w", err)
	}
	t.announce(ctx, channel)
	t.logger.Debug("Presence member joined", "channel", channel, "member", member)

	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := t.add(hbCtx, channel, member); err != nil {
					t.logger.Warn("Presence heartbeat failed",
						"channel", channel, "member", member, "error", err)
				}
			}
		}
	}()

	leave := func() {
		cancel()
		// Best effort: expiry removes the member even if this fails.
		detached, detachCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer detachCancel()
		if err := t.rdb.ZRem(detached, membersKey(channel), member).Err(); err != nil {
			t.logger.Debug("Presence leave failed, relying on expiry",
				"channel", channel, "member", member, "error", err)
		}
		t.announce(detached, channel)
		t.logger.Debug("Presence member left", "channel", channel, "member", member)
	}
	return leave, nil
}

func (t *RedisTransport) Members(ctx context.Context, channel string) ([]string, error) {
	key := membersKey(channel)
	now := float64(time.Now().UnixMilli())

	// Reap expired members before reading; stopped heartbeats disappear here.
	if err := t.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", now)).Err(); err != nil {
		return nil, fmt.Errorf("presence reap: %w", err)
	}
	members, err := t.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	return members, nil
}

func (t *RedisTransport) Changes(ctx context.Context, channel string) (<-chan struct{}, error) {
	pubsub := t.rdb.Subscribe(ctx, changesChannel(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("presence changes subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()
		// Periodic tick doubles as the expiry sweep trigger so stale members
		// drop from the set even when nobody joins or leaves.
		ticker := time.NewTicker(t.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-pubsub.Channel():
				if !ok {
					return
				}
			case <-ticker.C:
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}
