package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"notification-engine/internal/models"
	"notification-engine/internal/ratelimit"
	"notification-engine/internal/redisstore"
)

type fixedLimiter struct {
	d   ratelimit.Decision
	err error
}

func (f fixedLimiter) Take(context.Context, string) (ratelimit.Decision, error) { return f.d, f.err }

func newServer(t *testing.T, limiter Limiter) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "api:")
	return New(st, limiter, nil, []string{"*"}).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	h := newServer(t, nil)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestPushPopUpdateFlow(t *testing.T) {
	h := newServer(t, nil)

	rec := do(t, h, http.MethodPost, "/v1/tasks", pushRequest{Tasks: []models.Task{
		{CampaignID: "c1", SenderID: "u1", PageID: "p1", Enqueue: 100},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("push: %d %s", rec.Code, rec.Body)
	}
	pushed := decodeBody[listResponse[models.Task]](t, rec)
	if len(pushed.Data) != 1 || pushed.Data[0].ID == "" {
		t.Fatalf("unexpected push response %+v", pushed)
	}

	rec = do(t, h, http.MethodPost, "/v1/tasks/pop", popRequest{Limit: 5, Until: 200})
	popped := decodeBody[listResponse[models.Task]](t, rec)
	if len(popped.Data) != 1 || popped.Data[0].Enqueue != 100 {
		t.Fatalf("unexpected pop response %+v", popped)
	}

	id := pushed.Data[0].ID
	rec = do(t, h, http.MethodPatch, "/v1/tasks/"+id, models.TaskPatch{Sent: models.Int64(150)})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/v1/tasks/watermark", watermarkRequest{SenderID: "u1", PageID: "p1", Watermark: 200, Event: models.EventRead, TS: 300})
	marked := decodeBody[listResponse[models.Task]](t, rec)
	if len(marked.Data) != 1 || marked.Data[0].Read == nil || *marked.Data[0].Read != 300 {
		t.Fatalf("unexpected watermark response %+v", marked)
	}

	rec = do(t, h, http.MethodGet, "/v1/tasks/sent?page_id=p1&sender_id=u1&campaign_id=c1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sent task: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/v1/tasks/sent-campaigns?page_id=p1&sender_id=u1&candidates=c1,c2", nil)
	ids := decodeBody[listResponse[string]](t, rec)
	if len(ids.Data) != 1 || ids.Data[0] != "c1" {
		t.Fatalf("unexpected sent campaigns %+v", ids)
	}
}

func TestWatermarkDefaultsTimestamp(t *testing.T) {
	h := newServer(t, nil)

	rec := do(t, h, http.MethodPost, "/v1/tasks", pushRequest{Tasks: []models.Task{
		{CampaignID: "c", SenderID: "u", PageID: "p", Sent: models.Int64(10), Enqueue: 1},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("push: %d %s", rec.Code, rec.Body)
	}

	before := time.Now().UnixMilli()
	rec = do(t, h, http.MethodPost, "/v1/tasks/watermark", map[string]any{
		"sender_id": "u", "page_id": "p", "watermark": 20, "event": "read",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("watermark: %d %s", rec.Code, rec.Body)
	}
	marked := decodeBody[listResponse[models.Task]](t, rec)
	if len(marked.Data) != 1 || marked.Data[0].Read == nil {
		t.Fatalf("unexpected watermark response %+v", marked)
	}
	if got := *marked.Data[0].Read; got < before {
		t.Fatalf("read should default to the request time, got %d want >= %d", got, before)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newServer(t, nil)

	rec := do(t, h, http.MethodPatch, "/v1/tasks/missing", models.TaskPatch{Read: models.Int64(1)})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/tasks/watermark", watermarkRequest{SenderID: "u", PageID: "p", Event: "clicked"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad event, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/v1/campaigns?cursor=%21%21", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/tasks", pushRequest{Tasks: []models.Task{{SenderID: "u"}}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key fields, got %d", rec.Code)
	}

	// two tasks, then move the second onto the first one's key
	rec = do(t, h, http.MethodPost, "/v1/tasks", pushRequest{Tasks: []models.Task{
		{CampaignID: "c", SenderID: "u", PageID: "p", Sent: models.Int64(5), Enqueue: 1},
		{CampaignID: "c", SenderID: "u", PageID: "p", Enqueue: 1},
	}})
	pushed := decodeBody[listResponse[models.Task]](t, rec)
	rec = do(t, h, http.MethodPatch, "/v1/tasks/"+pushed.Data[1].ID, models.TaskPatch{Sent: models.Int64(5)})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body)
	}
}

func TestCampaignRoutes(t *testing.T) {
	h := newServer(t, nil)

	start := time.Now().Add(-time.Minute).UnixMilli()
	rec := do(t, h, http.MethodPost, "/v1/campaigns", upsertCampaignRequest{
		Campaign: models.Campaign{ID: "camp", Name: "Launch", Include: []string{"news"}, Active: true, StartAt: &start},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/v1/campaigns/camp/increment", models.CampaignCounters{Queued: 3})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("increment: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/campaigns/pop", nil)
	popped := decodeBody[models.Campaign](t, rec)
	if popped.ID != "camp" || popped.StartAt == nil || popped.Queued != 3 {
		t.Fatalf("unexpected popped campaign %+v", popped)
	}
	rec = do(t, h, http.MethodPost, "/v1/campaigns/pop", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second pop should find nothing, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/campaigns/camp", nil)
	got := decodeBody[models.Campaign](t, rec)
	if got.StartAt != nil {
		t.Fatalf("claimed campaign should have no start_at")
	}

	rec = do(t, h, http.MethodGet, "/v1/campaigns?active=true&limit=10", nil)
	page := decodeBody[models.CampaignPage](t, rec)
	if len(page.Data) != 1 {
		t.Fatalf("unexpected campaign page %+v", page)
	}

	rec = do(t, h, http.MethodPost, "/v1/campaigns/by-ids", byIDsRequest{IDs: []string{"camp", "nope"}})
	byIDs := decodeBody[listResponse[models.Campaign]](t, rec)
	if len(byIDs.Data) != 1 {
		t.Fatalf("unexpected by-ids response %+v", byIDs)
	}

	if rec := do(t, h, http.MethodDelete, "/v1/campaigns/camp", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/campaigns/camp", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	h := newServer(t, nil)

	for _, path := range []string{
		"/v1/subscriptions/p1/u1/tags/news",
		"/v1/subscriptions/p1/u1/tags/sport",
		"/v1/subscriptions/p1/u2/tags/news",
	} {
		if rec := do(t, h, http.MethodPut, path, nil); rec.Code != http.StatusNoContent {
			t.Fatalf("subscribe %s: %d", path, rec.Code)
		}
	}

	rec := do(t, h, http.MethodGet, "/v1/subscriptions/count?include=news&exclude=sport", nil)
	if got := decodeBody[countResponse](t, rec); got.Count != 1 {
		t.Fatalf("expected 1 got %d", got.Count)
	}

	rec = do(t, h, http.MethodGet, "/v1/subscriptions?include=news&limit=1", nil)
	page := decodeBody[models.TargetPage](t, rec)
	if len(page.Data) != 1 || page.Cursor == "" {
		t.Fatalf("expected first page with cursor, got %+v", page)
	}

	rec = do(t, h, http.MethodGet, "/v1/tags", nil)
	tags := decodeBody[listResponse[models.TagStat]](t, rec)
	if len(tags.Data) != 2 || tags.Data[0].Tag != "news" || tags.Data[0].Subscriptions != 2 {
		t.Fatalf("unexpected tags %+v", tags)
	}

	rec = do(t, h, http.MethodDelete, "/v1/subscriptions/p1/u1/tags/news", nil)
	if got := decodeBody[removedResponse](t, rec); len(got.Removed) != 1 || got.Removed[0] != "news" {
		t.Fatalf("unexpected removed %+v", got)
	}
	rec = do(t, h, http.MethodDelete, "/v1/subscriptions/p1/u1", nil)
	if got := decodeBody[removedResponse](t, rec); len(got.Removed) != 1 || got.Removed[0] != "sport" {
		t.Fatalf("unexpected removed %+v", got)
	}
	rec = do(t, h, http.MethodGet, "/v1/subscriptions/p1/u1", nil)
	if got := decodeBody[tagsResponse](t, rec); len(got.Tags) != 0 {
		t.Fatalf("expected no tags left, got %v", got.Tags)
	}
}

func TestPopIsRateLimited(t *testing.T) {
	h := newServer(t, fixedLimiter{d: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}})
	rec := do(t, h, http.MethodPost, "/v1/tasks/pop", popRequest{Limit: 1})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}

	h = newServer(t, fixedLimiter{err: errors.New("redis down")})
	if rec := do(t, h, http.MethodPost, "/v1/tasks/pop", popRequest{Limit: 1}); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
}
