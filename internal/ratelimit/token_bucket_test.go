package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, "rl:", capacity, refill, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := bucket.Take(ctx, "dispatcher")
		if err != nil || !d.Allowed {
			t.Fatalf("expected token %d allowed got %+v err=%v", i, d, err)
		}
	}
	d, err := bucket.Take(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("unexpected retry after %s", d.RetryAfter)
	}

	other, _ := bucket.Take(ctx, "other")
	if !other.Allowed {
		t.Fatalf("buckets must be independent per key")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 2)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	if d, _ := bucket.Take(ctx, "k"); !d.Allowed {
		t.Fatalf("first take should pass")
	}
	if d, _ := bucket.Take(ctx, "k"); d.Allowed {
		t.Fatalf("bucket should be empty")
	}
	clock = clock.Add(600 * time.Millisecond)
	d, err := bucket.Take(ctx, "k")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refill after 600ms, got %+v err=%v", d, err)
	}
}

func TestParseTokens(t *testing.T) {
	if v, err := parseTokens("0.5"); err != nil || v != 0.5 {
		t.Fatalf("expected 0.5 got %v err=%v", v, err)
	}
	if v, err := parseTokens(int64(3)); err != nil || v != 3 {
		t.Fatalf("expected 3 got %v err=%v", v, err)
	}
	if _, err := parseTokens("abc"); err == nil {
		t.Fatalf("expected error for non-numeric tokens")
	}
	if _, err := parseTokens(nil); err == nil {
		t.Fatalf("expected error for missing tokens")
	}
}
