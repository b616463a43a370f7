package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gradaccess/internal/attendance"
	"gradaccess/internal/config"
	"gradaccess/internal/logging"
	"gradaccess/internal/queue"
	"gradaccess/internal/store"
)

const scanQueueKey = "gradaccess:scans"

// Worker drains scan events from Redis into the scan log.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if cfg.QueueBackend == "memory" {
		logger.Fatal("the worker needs QUEUE_BACKEND=redis; the api consumes in-memory scans itself")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet; the consumer keeps retrying")
	}

	q := queue.NewRedisQueue(redisClient.Client, scanQueueKey)
	repo := attendance.NewRepository(db.Client)

	logger.Info("worker started, waiting for scan events")
	n, err := attendance.ConsumeScanEvents(ctx, q, repo, logger)
	if err != nil {
		logger.WithError(err).Fatal("queue consume init failed")
	}
	logger.WithField("recorded", n).Info("worker stopped")
}
