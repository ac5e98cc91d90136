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
	"notification-engine/internal/relay"
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

	pub, err := relay.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
	if err != nil {
		logger.Fatal("connect broker", zap.Error(err))
	}
	defer pub.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("relay started", zap.String("exchange", cfg.AMQPExchange), zap.String("routing_key", cfg.AMQPRoutingKey))
	if err := relay.New(st, pub, cfg, logger.Named("relay")).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", zap.Error(err))
	}
}
