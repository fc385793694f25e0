package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/hub"
	"github.com/proximo-app/proximo/pkg/location"
	"github.com/proximo-app/proximo/pkg/objstore"
	"github.com/proximo-app/proximo/pkg/presence"
	"github.com/proximo-app/proximo/pkg/push"
	"github.com/proximo-app/proximo/pkg/realtime"
	"github.com/proximo-app/proximo/pkg/routes"
	"github.com/proximo-app/proximo/pkg/session"
	"github.com/proximo-app/proximo/pkg/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger.Info("Starting Proximo server", "port", cfg.Server.Port, "env", cfg.Server.Env)

	// 1. Storage: Postgres + Redis
	storage, err := store.NewStore(ctx, cfg.Database.URL, cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("Failed to connect to storage", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	storage.DB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	storage.DB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	storage.DB.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)

	if err := storage.InitSchema(ctx); err != nil {
		logger.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}

	// 2. Media storage
	media, err := objstore.NewS3Storage(ctx, cfg.Storage.Region, cfg.Storage.Bucket, cfg.Storage.URLExpiry, logger)
	if err != nil {
		logger.Error("Failed to initialize object storage", "error", err)
		os.Exit(1)
	}

	// 3. Push notification producer
	notifier := push.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	defer notifier.Close()

	// 4. Presence: shared transport + registry
	transport := presence.NewRedisTransport(storage.RDB, cfg.Presence.TTL, cfg.Presence.Heartbeat, logger)
	registry := presence.NewRegistry(transport, cfg.Presence.Channel, logger)
	go registry.Run(ctx)

	// 5. Realtime event bus
	bus := realtime.NewRedisBus(storage.RDB, logger)

	// 6. Session manager: one realtime session per signed-in user
	sessions := session.NewManager(func(userID string) *session.Session {
		return session.New(session.Options{
			UserID:    userID,
			Backend:   storage,
			Bus:       bus,
			Notifier:  notifier,
			Storage:   media,
			Presence:  registry,
			Sampler:   location.NewReportSource(),
			Location:  cfg.Location,
			Proximity: cfg.Proximity,
			Logger:    logger,
		})
	}, logger)

	// 7. WebSocket hub
	wsHub := hub.NewHub(sessions, registry, cfg.WebSocket, logger)
	go wsHub.Run(ctx)

	// 8. HTTP server
	router := routes.NewRouter(wsHub, storage, media, cfg, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server ready to accept connections", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info("Shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", "error", err)
	}
	sessions.CloseAll()
	cancel()
	logger.Info("Server stopped")
}
