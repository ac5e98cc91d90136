package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"notification-engine/internal/api"
	"notification-engine/internal/backend"
	"notification-engine/internal/config"
	"notification-engine/internal/logging"
	"notification-engine/internal/ratelimit"
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := backend.Open(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close(context.Background())

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(backend.NewRedisClient(cfg), cfg.KeyPrefix+"rl:", cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
	}

	server := api.New(st, limiter, logger.Named("api"), cfg.CORSOrigins)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("backend", cfg.Backend))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
