package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/proximo-app/proximo/pkg/models"
)

func InitRedis(url string, logger *slog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opt.PoolSize = 100
	opt.MinIdleConns = 10
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("Redis connected successfully")
	return client, nil
}

// Cache keys
func conversationsKey(userID string) string {
	return fmt.Sprintf("conversations:%s", userID)
}

func nearbyKey(userID string) string {
	return fmt.Sprintf("nearby:%s", userID)
}

// Cache helpers. All cache misses and failures fall through to Postgres.
func (s *Store) CacheConversations(ctx context.Context, userID string, previews []models.ConversationPreview) error {
	data, err := json.Marshal(previews)
	if err != nil {
		return err
	}
	return s.RDB.Set(ctx, conversationsKey(userID), data, 5*time.Minute).Err()
}

func (s *Store) GetCachedConversations(ctx context.Context, userID string) ([]models.ConversationPreview, error) {
	data, err := s.RDB.Get(ctx, conversationsKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var previews []models.ConversationPreview
	if err := json.Unmarshal(data, &previews); err != nil {
		return nil, err
	}
	return previews, nil
}

func (s *Store) InvalidateConversationsCache(ctx context.Context, userIDs ...string) {
	for _, id := range userIDs {
		if err := s.RDB.Del(ctx, conversationsKey(id)).Err(); err != nil {
			s.logger.Debug("Failed to invalidate conversations cache", "user_id", id, "error", err)
		}
	}
}

func (s *Store) CacheNearby(ctx context.Context, userID string, results []models.ProximityResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return s.RDB.Set(ctx, nearbyKey(userID), data, time.Minute).Err()
}

func (s *Store) GetCachedNearby(ctx context.Context, userID string) ([]models.ProximityResult, error) {
	data, err := s.RDB.Get(ctx, nearbyKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var results []models.ProximityResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) InvalidateNearbyCache(ctx context.Context, userID string) {
	if err := s.RDB.Del(ctx, nearbyKey(userID)).Err(); err != nil {
		s.logger.Debug("Failed to invalidate nearby cache", "user_id", userID, "error", err)
	}
}
