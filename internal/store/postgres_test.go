package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"notification-engine/internal/notify"
	"notification-engine/internal/notify/notifytest"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NOTIFY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOTIFY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	notifytest.Run(t, func(t *testing.T) notify.Store {
		s, err := New(ctx, dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := s.RunMigrations(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := s.pool.Exec(ctx, `TRUNCATE notification_tasks, notification_campaigns, notification_subscriptions RESTART IDENTITY`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestWrapMapsUniqueViolation(t *testing.T) {
	err := wrap("push task", &pgconn.PgError{Code: codeUniqueViolation})
	if !errors.Is(err, notify.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := wrap("push task", &pgconn.PgError{Code: "40001"}); errors.Is(err, notify.ErrConflict) {
		t.Fatalf("serialization failures are not conflicts")
	}
}
