package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
)

type Store struct {
	DB     *sql.DB
	RDB    *redis.Client
	logger *slog.Logger
}

func NewStore(ctx context.Context, pgConnStr, redisURL string, logger *slog.Logger) (*Store, error) {
	var db *sql.DB
	var err error

	// Retry Postgres connection 5 times
	for i := 0; i < 5; i++ {
		db, err = sql.Open("postgres", pgConnStr)
		if err == nil {
			err = db.PingContext(ctx)
			if err == nil {
				logger.Info("PostgreSQL connection successful", "attempt", i+1)
				break
			}
		}
		logger.Warn("Waiting for PostgreSQL...", "attempt", i+1, "max_attempts", 5, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL", "error", err)
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	rdb, err := InitRedis(redisURL, logger)
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis", "error", err)
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL and Redis")

	return &Store{
		DB:     db,
		RDB:    rdb,
		logger: logger,
	}, nil
}

func (s *Store) InitSchema(ctx context.Context) error {
	s.logger.Info("Initializing database schema")

	schema := `
		CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

		-- Profiles table
		CREATE TABLE IF NOT EXISTS profiles (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			display_name VARCHAR(100) NOT NULL,
			avatar_ref TEXT,
			birth_date DATE NOT NULL,
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			tier VARCHAR(10) NOT NULL DEFAULT 'free' CHECK (tier IN ('free', 'premium')),
			suspended BOOLEAN NOT NULL DEFAULT FALSE,
			last_active TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_profiles_lat_lng ON profiles(lat, lng);
		CREATE INDEX IF NOT EXISTS idx_profiles_last_active ON profiles(last_active);

		-- Block relationships, enforced on every proximity query
		CREATE TABLE IF NOT EXISTS blocks (
			blocker_id UUID REFERENCES profiles(id) ON DELETE CASCADE,
			blocked_id UUID REFERENCES profiles(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (blocker_id, blocked_id)
		);

		-- Conversations: one row per unordered pair. participant_a < participant_b
		-- so the unique constraint makes creation idempotent.
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			participant_a UUID NOT NULL REFERENCES profiles(id),
			participant_b UUID NOT NULL REFERENCES profiles(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (participant_a < participant_b),
			UNIQUE (participant_a, participant_b)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_participant_a ON conversations(participant_a);
		CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations(participant_b);
		CREATE INDEX IF NOT EXISTS idx_conversations_last_activity ON conversations(last_activity);

		-- Messages table
		CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id UUID NOT NULL REFERENCES profiles(id),
			content TEXT,
			image_ref TEXT,
			is_view_once BOOLEAN NOT NULL DEFAULT FALSE,
			viewed_at TIMESTAMPTZ,
			read_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (content IS NOT NULL OR image_ref IS NOT NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, sender_id) WHERE read_at IS NULL;

		-- Winks: at most one per ordered sender/receiver pair
		CREATE TABLE IF NOT EXISTS winks (
			sender_id UUID REFERENCES profiles(id) ON DELETE CASCADE,
			receiver_id UUID REFERENCES profiles(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (sender_id, receiver_id)
		);
	`

	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		s.logger.Error("Failed to initialize schema", "error", err)
		return err
	}

	s.logger.Info("Database schema initialized successfully")
	return nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing store connections")

	var errs []error

	if err := s.DB.Close(); err != nil {
		s.logger.Error("Failed to close PostgreSQL connection", "error", err)
		errs = append(errs, fmt.Errorf("postgres close error: %w", err))
	}

	if err := s.RDB.Close(); err != nil {
		s.logger.Error("Failed to close Redis connection", "error", err)
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}
