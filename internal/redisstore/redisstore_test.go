package redisstore

import (
	"context"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
	"notification-engine/internal/notify/notifytest"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "notify:"), mr
}

func TestRedisStore(t *testing.T) {
	notifytest.Run(t, func(t *testing.T) notify.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestSentPatchMovesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	pushed, err := s.PushTasks(ctx, []models.Task{{CampaignID: "c", SenderID: "u", PageID: "p", Enqueue: 10}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	id := pushed[0].ID
	if !mr.Exists(s.taskKey("c", "u", "p", "")) {
		t.Fatalf("expected index for unsent task")
	}

	if _, err := s.UpdateTask(ctx, id, models.TaskPatch{Sent: models.Int64(55)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(s.taskKey("c", "u", "p", "")) {
		t.Fatalf("old index should be released")
	}

	again, err := s.PushTasks(ctx, []models.Task{{CampaignID: "c", SenderID: "u", PageID: "p", Sent: models.Int64(55), Enqueue: 20}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if again[0].ID != id {
		t.Fatalf("expected the moved task to be reused, got %s want %s", again[0].ID, id)
	}
}

func TestPopRemovesFromDueSet(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	if _, err := s.PushTasks(ctx, []models.Task{{CampaignID: "c", SenderID: "u", PageID: "p", Enqueue: 10}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := s.PopTasks(ctx, 1, 100)
	if err != nil || len(got) != 1 {
		t.Fatalf("pop: %v %d", err, len(got))
	}
	members, err := mr.ZMembers(s.dueKey())
	if err == nil && len(members) != 0 {
		t.Fatalf("claimed task left in due set: %v", members)
	}
	if v := mr.HGet(s.taskHash(got[0].ID), "enqueue"); v != "9999999999999" {
		t.Fatalf("expected sentinel enqueue, got %q", v)
	}
}

func TestPayloadMergesAcrossPushes(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	first := models.Task{CampaignID: "c", SenderID: "u", PageID: "p", Enqueue: 10, Payload: map[string]any{"a": "x"}}
	second := models.Task{CampaignID: "c", SenderID: "u", PageID: "p", Enqueue: 10, Payload: map[string]any{"b": float64(2)}}
	if _, err := s.PushTasks(ctx, []models.Task{first}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := s.PushTasks(ctx, []models.Task{second}); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := s.PopTasks(ctx, 1, 100)
	if err != nil || len(got) != 1 {
		t.Fatalf("pop: %v", err)
	}
	if got[0].Payload["a"] != "x" || got[0].Payload["b"] != float64(2) {
		t.Fatalf("unexpected payload %+v", got[0].Payload)
	}
}

func TestApplyPushReply(t *testing.T) {
	task := models.Task{CampaignID: "c", SenderID: "u", PageID: "p", Enqueue: 100}

	if _, err := applyPushReply(task, []any{"id", "100"}); err == nil || !strings.Contains(err.Error(), "got 2") {
		t.Fatalf("expected length error, got %v", err)
	}
	if _, err := applyPushReply(task, []any{"id", "x", "100", int64(1), int64(1)}); err == nil {
		t.Fatalf("expected parse error for insEnqueue")
	}

	got, err := applyPushReply(task, []any{"id", "100", "100", int64(2), int64(0)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.ID != "id" || got.InsEnqueue != 100 || got.Ups != 2 || got.Enqueue != 101 {
		t.Fatalf("unexpected task %+v", got)
	}
}
