package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/societyhub/server/internal/app"
	"github.com/societyhub/server/internal/cache"
	"github.com/societyhub/server/internal/config"
	"github.com/societyhub/server/internal/db"
	"github.com/societyhub/server/internal/http/handlers"
	"github.com/societyhub/server/internal/logging"
	"github.com/societyhub/server/internal/notify"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient, err := cache.Open(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	notifier := newNotifier(cfg, logger)
	defer notifier.Close()

	application := app.New(cfg, app.Deps{
		Identities: repo.NewIdentityRepo(database),
		Challenges: repo.NewChallengeRepo(database),
		Redis:      redisClient,
		Notifier:   notifier,
		Checks: map[string]handlers.HealthCheck{
			"postgres": database.PingContext,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	}, logger)
	application.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           application.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.Bool("dev_mode", cfg.DevMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Websockets are hijacked and not tracked by Shutdown; closing the hub ends them.
	application.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// newNotifier publishes to Kafka when brokers are configured and logs otherwise.
func newNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("no kafka brokers configured, notifications are logged")
		return notify.NewLogNotifier(logger.Named("notify"), cfg.DevMode)
	}
	n, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.NotifyTopic, logger.Named("notify"))
	if err != nil {
		logger.Fatal("failed to create kafka notifier", zap.Error(err))
	}
	return n
}
