package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"notification-engine/internal/config"
	"notification-engine/internal/models"
	"notification-engine/internal/redisstore"
)

type fakePublisher struct {
	mu     sync.Mutex
	got    []models.Task
	failOn map[string]bool
}

func (f *fakePublisher) Publish(_ context.Context, t models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[t.SenderID] {
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, t)
	return nil
}

func newRelay(t *testing.T, pub Publisher, now time.Time) (*Relay, *redisstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "relay:")
	cfg := config.Defaults()
	cfg.RelayBatchSize = 10
	cfg.RelayRetryDelay = 30 * time.Second
	r := New(st, pub, cfg, nil)
	r.now = func() time.Time { return now }
	return r, st
}

func TestTickPublishesDueTasks(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	pub := &fakePublisher{}
	r, st := newRelay(t, pub, now)

	if _, err := st.PushTasks(ctx, []models.Task{
		{CampaignID: "c", SenderID: "u1", PageID: "p", Enqueue: now.UnixMilli() - 10},
		{CampaignID: "c", SenderID: "u2", PageID: "p", Enqueue: now.UnixMilli() - 5},
		{CampaignID: "c", SenderID: "u3", PageID: "p", Enqueue: now.UnixMilli() + 60_000},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	n, err := r.Tick(ctx)
	if err != nil || n != 2 {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}
	if len(pub.got) != 2 || pub.got[0].SenderID != "u1" || pub.got[1].SenderID != "u2" {
		t.Fatalf("unexpected published tasks %+v", pub.got)
	}
	if n, _ := r.Tick(ctx); n != 0 {
		t.Fatalf("claimed tasks must not be published twice, got %d", n)
	}
}

func TestTickRequeuesFailedPublish(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	pub := &fakePublisher{failOn: map[string]bool{"u1": true}}
	r, st := newRelay(t, pub, now)

	if _, err := st.PushTasks(ctx, []models.Task{
		{CampaignID: "c", SenderID: "u1", PageID: "p", Enqueue: now.UnixMilli() - 10, Payload: map[string]any{"action": "promo"}},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(pub.got) != 0 {
		t.Fatalf("nothing should be published")
	}

	retryAt := now.Add(30 * time.Second).UnixMilli()
	if got, _ := st.PopTasks(ctx, 10, retryAt-1); len(got) != 0 {
		t.Fatalf("task should not be due before the retry delay")
	}
	got, err := st.PopTasks(ctx, 10, retryAt)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected requeued task: %v %d", err, len(got))
	}
	if got[0].Payload["action"] != "promo" {
		t.Fatalf("payload should survive the requeue, got %+v", got[0].Payload)
	}
}

// cancelingPublisher accepts the first task and cancels the tick's context.
type cancelingPublisher struct {
	fakePublisher
	cancel context.CancelFunc
}

func (c *cancelingPublisher) Publish(ctx context.Context, t models.Task) error {
	c.cancel()
	return c.fakePublisher.Publish(ctx, t)
}

func TestTickRequeuesRemainderOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.UnixMilli(1_700_000_000_000)
	pub := &cancelingPublisher{cancel: cancel}
	r, st := newRelay(t, pub, now)

	if _, err := st.PushTasks(context.Background(), []models.Task{
		{CampaignID: "c", SenderID: "u1", PageID: "p", Enqueue: now.UnixMilli() - 30},
		{CampaignID: "c", SenderID: "u2", PageID: "p", Enqueue: now.UnixMilli() - 20},
		{CampaignID: "c", SenderID: "u3", PageID: "p", Enqueue: now.UnixMilli() - 10},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	n, err := r.Tick(ctx)
	if err != nil || n != 3 {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}
	if len(pub.got) != 1 || pub.got[0].SenderID != "u1" {
		t.Fatalf("only the first task should be published, got %+v", pub.got)
	}

	got, err := st.PopTasks(context.Background(), 10, now.UnixMilli())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 2 || got[0].SenderID == "u1" || got[1].SenderID == "u1" {
		t.Fatalf("expected the two unpublished tasks back in the queue, got %+v", got)
	}
}

func TestRetryTaskKeepsKeyOnly(t *testing.T) {
	sent := int64(9)
	read := int64(10)
	rt := retryTask(models.Task{ID: "x", CampaignID: "c", SenderID: "s", PageID: "p", Sent: &sent, Read: &read, Enqueue: 1}, 50)
	if rt.ID != "" || rt.Read != nil || rt.Enqueue != 50 || rt.Sent == nil || *rt.Sent != 9 {
		t.Fatalf("unexpected retry task %+v", rt)
	}
}
