package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"notification-engine/internal/config"
	"notification-engine/internal/models"
	"notification-engine/internal/notify"
	"notification-engine/internal/redisstore"
)

func newScheduler(t *testing.T, now time.Time) (*Scheduler, *redisstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "sched:")
	cfg := config.Defaults()
	cfg.SchedulerBatchSize = 2
	s := New(st, cfg, nil)
	s.now = func() time.Time { return now }
	return s, st
}

func TestTickDispatchesDueCampaign(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s, st := newScheduler(t, now)

	for i := 0; i < 5; i++ {
		if err := st.Subscribe(ctx, fmt.Sprintf("u%d", i), "p1", "news"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := st.Subscribe(ctx, "u0", "p1", "muted"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	start := now.UnixMilli() - 1000
	if _, err := st.UpsertCampaign(ctx, models.Campaign{
		ID: "c1", Include: []string{"news"}, Exclude: []string{"muted"}, Action: "promo", Active: true, StartAt: &start,
	}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}

	c, err := st.GetCampaignByID(ctx, "c1")
	if err != nil || c == nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.Queued != 4 {
		t.Fatalf("expected 4 queued got %d", c.Queued)
	}
	if c.StartAt != nil {
		t.Fatalf("one-shot campaign should not be re-armed")
	}

	tasks, err := st.PopTasks(ctx, 10, now.UnixMilli())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.SenderID == "u0" {
			t.Fatalf("excluded recipient got a task")
		}
		if task.Payload["action"] != "promo" {
			t.Fatalf("unexpected payload %+v", task.Payload)
		}
	}

	if n, err := s.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("second tick should find nothing: n=%d err=%v", n, err)
	}
}

func TestTickRearmsSlidingCampaign(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s, st := newScheduler(t, now)

	start := now.UnixMilli() - 2500
	if _, err := st.UpsertCampaign(ctx, models.Campaign{
		ID: "slide", Active: true, Sliding: true, Slide: 1000, StartAt: &start,
	}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	c, err := st.GetCampaignByID(ctx, "slide")
	if err != nil || c == nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.StartAt == nil || *c.StartAt != now.UnixMilli()+500 {
		t.Fatalf("expected next trigger at now+500, got %v", c.StartAt)
	}
	if c.SlideRound != 1 {
		t.Fatalf("expected slide round 1 got %d", c.SlideRound)
	}
}

// flakyStore fails the first PushTasks call.
type flakyStore struct {
	notify.Store
	failed bool
}

func (f *flakyStore) PushTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("push failed")
	}
	return f.Store.PushTasks(ctx, tasks)
}

func TestTickRestoresTriggerWhenDispatchFails(t *testing.T) {
	for _, sliding := range []bool{false, true} {
		t.Run(fmt.Sprintf("sliding=%v", sliding), func(t *testing.T) {
			ctx := context.Background()
			now := time.UnixMilli(1_700_000_000_000)
			s, st := newScheduler(t, now)
			s.store = &flakyStore{Store: st}

			if err := st.Subscribe(ctx, "u1", "p1", "news"); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			start := now.UnixMilli() - 2500
			if _, err := st.UpsertCampaign(ctx, models.Campaign{
				ID: "c", Include: []string{"news"}, Active: true, Sliding: sliding, Slide: 1000, StartAt: &start,
			}, nil); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			if _, err := s.Tick(ctx); err == nil {
				t.Fatalf("expected dispatch error")
			}
			c, err := st.GetCampaignByID(ctx, "c")
			if err != nil || c == nil {
				t.Fatalf("get campaign: %v", err)
			}
			if c.StartAt == nil || *c.StartAt != start || c.SlideRound != 0 {
				t.Fatalf("claimed trigger should be restored, got start=%v round=%d", c.StartAt, c.SlideRound)
			}

			n, err := s.Tick(ctx)
			if err != nil || n != 1 {
				t.Fatalf("retry tick: n=%d err=%v", n, err)
			}
			tasks, err := st.PopTasks(ctx, 10, now.UnixMilli())
			if err != nil || len(tasks) != 1 {
				t.Fatalf("expected 1 task after retry, got %d err=%v", len(tasks), err)
			}
			c, _ = st.GetCampaignByID(ctx, "c")
			if c.Queued != 1 {
				t.Fatalf("expected 1 queued got %d", c.Queued)
			}
			if sliding && (c.StartAt == nil || *c.StartAt != now.UnixMilli()+500 || c.SlideRound != 1) {
				t.Fatalf("sliding campaign should be re-armed, got start=%v round=%d", c.StartAt, c.SlideRound)
			}
			if !sliding && c.StartAt != nil {
				t.Fatalf("one-shot campaign should not be re-armed")
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newScheduler(t, time.Now())
	s.interval = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 10); b > max {
		t.Fatalf("backoff should be capped: %s", b)
	}
}
