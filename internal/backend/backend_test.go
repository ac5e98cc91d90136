package backend

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"notification-engine/internal/config"
)

func TestOpenRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Defaults()
	cfg.Backend = "redis"
	cfg.RedisAddr = mr.Addr()
	cfg.KeyPrefix = "t:"

	ctx := context.Background()
	st, err := Open(ctx, cfg, zap.NewNop(), true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close(ctx)

	if err := st.Subscribe(ctx, "u1", "p1", "news"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	n, err := st.GetSubscriptionsCount(ctx, nil, nil, "")
	if err != nil || n != 1 {
		t.Fatalf("count: %d %v", n, err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backend = "sqlite"
	if _, err := Open(context.Background(), cfg, zap.NewNop(), false); err == nil {
		t.Fatalf("expected error")
	}
}
