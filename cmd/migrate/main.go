package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"notification-engine/internal/backend"
	"notification-engine/internal/config"
	"notification-engine/internal/logging"
)

// migrate applies the schema or indexes of the configured backend and exits.
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

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := backend.Open(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("provision store", zap.Error(err))
	}
	_ = st.Close(ctx)
	logger.Info("store provisioned", zap.String("backend", cfg.Backend))
}
