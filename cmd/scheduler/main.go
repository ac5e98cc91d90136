package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"notification-engine/internal/backend"
	"notification-engine/internal/config"
	"notification-engine/internal/logging"
	"notification-engine/internal/scheduler"
	"notification-engine/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	st, err := backend.Open(ctx, cfg, logger, false)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close(context.Background())

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("scheduler started", zap.Duration("interval", cfg.SchedulerInterval), zap.Int("batch_size", cfg.SchedulerBatchSize))
	if err := scheduler.New(st, cfg, logger.Named("scheduler")).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}
