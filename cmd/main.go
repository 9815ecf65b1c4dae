package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"residenthub/backend/internal/api/handler"
	"residenthub/backend/internal/chat"
	"residenthub/backend/internal/config"
	"residenthub/backend/internal/realtime"
	"residenthub/backend/internal/storage"
	"residenthub/backend/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupDatabase(cfg *config.Config) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect PostgreSQL")
	}
	if err := storage.Migrate(db); err != nil {
		logrus.WithError(err).Fatal("Failed to run migrations")
	}
	return db
}

// setupTransport обирає Redis, якщо адресу задано, інакше брокер у пам'яті процесу.
func setupTransport(ctx context.Context, cfg *config.Config) (transport.Transport, func()) {
	if cfg.RedisAddr == "" {
		logrus.Warn("REDIS_ADDR not set, using in-process transport; presence is not shared between instances")
		return transport.NewMemoryTransport(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect Redis")
	}
	return transport.NewRedisTransport(rdb, cfg.SubscribeTimeout, transport.WithHeartbeat(cfg.PresenceBeat)), func() {
		if err := rdb.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close Redis client")
		}
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.Info("Starting ResidentHub backend...")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	realtime.TeardownTimeout = cfg.TeardownTimeout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := setupDatabase(cfg)
	tr, closeTransport := setupTransport(ctx, cfg)
	defer closeTransport()
	logrus.Info("Database and transport ready, migrations complete")

	h := handler.NewHandler(storage.NewStorageService(db), tr, handler.Options{
		JWTSecret: []byte(cfg.JWTSecret),
		Chat: chat.Options{
			PageSize:         cfg.HistoryPageSize,
			TypingTimeout:    cfg.TypingTimeout,
			MaxMessageLength: cfg.MaxMessageLength,
		},
		ResidentCacheTTL: cfg.ResidentCacheTTL,
		ObserveTTL:       cfg.ObserveTTL,
	})
	defer h.Close()

	r := gin.Default()
	h.Register(r)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown failed")
	}
}
