package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"classroll/internal/attendance"
	"classroll/internal/config"
	"classroll/internal/enroll"
	"classroll/internal/faceclient"
	"classroll/internal/logging"
	"classroll/internal/metrics"
	"classroll/internal/queue"
	"classroll/internal/reaper"
	"classroll/internal/store"
)

// Worker consumes descriptor enrollment jobs and expires stale sessions.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel).With("component", "worker")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		return errors.New("worker needs the postgres store and redis queue; memory backends run inside the api")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	collectors := metrics.New(prometheus.DefaultRegisterer)
	svc := attendance.NewService(attendance.NewRepository(db.Client),
		attendance.WithMarkCache(store.NewMarkedSet(redisClient.Client)),
		// The api picks up expiries and new descriptors from the relay.
		attendance.WithNotifier(store.NewEventRelay(redisClient.Client)),
		attendance.WithObserver(collectors),
		attendance.WithSessionMaxAge(cfg.SessionMaxAge),
	)

	sweep, err := reaper.New(cfg.ReaperSchedule, svc, logger)
	if err != nil {
		return fmt.Errorf("reaper schedule %q: %w", cfg.ReaperSchedule, err)
	}
	sweep.RunOnce(ctx)
	sweep.Start()
	defer sweep.Stop(context.Background())

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.Warn("face service not available, enrollment jobs will fail until it is", "error", err)
		} else {
			logger.Info("face service connected", "url", cfg.FaceServiceURL)
		}
	}

	jobs := queue.NewRedisQueue(redisClient.Client, "")
	messages, err := jobs.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}

	logger.Info("worker started, waiting for messages")
	enroll.New(svc, face, collectors).Run(logging.ContextWithLogger(ctx, logger), messages)
	return nil
}
