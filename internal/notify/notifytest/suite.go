// Package notifytest holds the behavioural suite every notify.Store adapter runs.
package notifytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

// Factory returns an empty store. It is called once per sub-test.
type Factory func(t *testing.T) notify.Store

// Run executes the whole suite against stores built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s notify.Store)
	}{
		{"IdempotentEnqueue", testIdempotentEnqueue},
		{"TiedEnqueueAdvance", testTiedEnqueueAdvance},
		{"ExactlyOnceClaim", testExactlyOnceClaim},
		{"PopOrderAndLimit", testPopOrderAndLimit},
		{"UpdateTask", testUpdateTask},
		{"UpdateTaskConflict", testUpdateTaskConflict},
		{"WatermarkMonotonic", testWatermarkMonotonic},
		{"WatermarkInvalidEvent", testWatermarkInvalidEvent},
		{"SentTaskLookups", testSentTaskLookups},
		{"UnsuccessfulSubscribers", testUnsuccessfulSubscribers},
		{"UnsuccessfulPagination", testUnsuccessfulPagination},
		{"CampaignUpsert", testCampaignUpsert},
		{"CampaignClaimPreImage", testCampaignClaimPreImage},
		{"CampaignIncrement", testCampaignIncrement},
		{"CampaignListing", testCampaignListing},
		{"UnsubscribeReporting", testUnsubscribeReporting},
		{"TargetingSetSemantics", testTargetingSetSemantics},
		{"SubscriptionPagination", testSubscriptionPagination},
		{"Tags", testTags},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close(context.Background()) })
			tc.fn(t, s)
		})
	}
}

func task(campaign, sender, page string, enqueue int64) models.Task {
	return models.Task{CampaignID: campaign, SenderID: sender, PageID: page, Enqueue: enqueue}
}

func push(t *testing.T, s notify.Store, tasks ...models.Task) []models.Task {
	t.Helper()
	out, err := s.PushTasks(context.Background(), tasks)
	if err != nil {
		t.Fatalf("push tasks: %v", err)
	}
	if len(out) != len(tasks) {
		t.Fatalf("expected %d pushed tasks, got %d", len(tasks), len(out))
	}
	return out
}

func popAll(t *testing.T, s notify.Store, until int64) []models.Task {
	t.Helper()
	out, err := s.PopTasks(context.Background(), 10000, until)
	if err != nil {
		t.Fatalf("pop tasks: %v", err)
	}
	return out
}

func testIdempotentEnqueue(t *testing.T, s notify.Store) {
	first := push(t, s, task("c1", "u1", "p1", 200))
	if first[0].ID == "" || first[0].InsEnqueue != 200 || first[0].Enqueue != 200 {
		t.Fatalf("unexpected insert result %+v", first[0])
	}

	again := task("c1", "u1", "p1", 150)
	again.Payload = map[string]any{"text": "hi"}
	second := push(t, s, again)
	if second[0].ID != first[0].ID {
		t.Fatalf("re-enqueue created a new task: %s != %s", second[0].ID, first[0].ID)
	}
	if second[0].InsEnqueue != 150 {
		t.Fatalf("expected insEnqueue to drop to 150, got %d", second[0].InsEnqueue)
	}

	// a different sent value is a different key
	other := task("c1", "u1", "p1", 150)
	other.Sent = models.Int64(10)
	third := push(t, s, other)
	if third[0].ID == first[0].ID {
		t.Fatalf("distinct sent must not share a task")
	}

	popped := popAll(t, s, 1000)
	if len(popped) != 2 {
		t.Fatalf("expected two tasks in the queue, got %d", len(popped))
	}
	for _, p := range popped {
		if p.ID != first[0].ID {
			continue
		}
		if p.Ups != 2 || p.Enqueue != 150 {
			t.Fatalf("expected ups=2 enqueue=150, got %+v", p)
		}
		if p.Payload["text"] != "hi" {
			t.Fatalf("payload not stored: %+v", p.Payload)
		}
	}
}

func testTiedEnqueueAdvance(t *testing.T, s notify.Store) {
	first := push(t, s, task("c1", "u1", "p1", 100))
	if first[0].Enqueue != 100 {
		t.Fatalf("inserted task must keep its enqueue, got %d", first[0].Enqueue)
	}
	second := push(t, s, task("c1", "u1", "p1", 100))
	if second[0].Enqueue != 101 || second[0].InsEnqueue != 100 {
		t.Fatalf("expected returned enqueue 101 insEnqueue 100, got %+v", second[0])
	}
	later := push(t, s, task("c1", "u1", "p1", 300))
	if later[0].Enqueue != 300 || later[0].InsEnqueue != 100 {
		t.Fatalf("untied re-enqueue must not advance, got %+v", later[0])
	}
}

func testExactlyOnceClaim(t *testing.T, s notify.Store) {
	push(t, s,
		task("c1", "u1", "p1", 100),
		task("c1", "u2", "p1", 100),
		task("c1", "u3", "p1", 100),
	)

	var wg sync.WaitGroup
	results := make([][]models.Task, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.PopTasks(context.Background(), 5, 200)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("popper %d: %v", i, errs[i])
		}
		for _, tk := range res {
			if seen[tk.ID] {
				t.Fatalf("task %s claimed twice", tk.ID)
			}
			seen[tk.ID] = true
			if tk.Enqueue != 100 {
				t.Fatalf("claim must return the pre-claim snapshot, got enqueue %d", tk.Enqueue)
			}
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 claimed tasks, got %d", len(seen))
	}
	if rest := popAll(t, s, models.MaxTS-1); len(rest) != 0 {
		t.Fatalf("claimed tasks must not be due again, got %d", len(rest))
	}
}

func testPopOrderAndLimit(t *testing.T, s notify.Store) {
	push(t, s,
		task("c1", "late", "p1", 300),
		task("c1", "early", "p1", 100),
		task("c1", "mid", "p1", 200),
		task("c1", "future", "p1", 5000),
	)
	got, err := s.PopTasks(context.Background(), 2, 1000)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 2 || got[0].SenderID != "early" || got[1].SenderID != "mid" {
		t.Fatalf("expected early, mid got %+v", got)
	}
	rest := popAll(t, s, 1000)
	if len(rest) != 1 || rest[0].SenderID != "late" {
		t.Fatalf("expected only late left, got %+v", rest)
	}

	// a claimed task can be re-enqueued for another round
	again := push(t, s, task("c1", "early", "p1", 400))
	if again[0].InsEnqueue != 400 {
		t.Fatalf("claimed task should restart insEnqueue, got %d", again[0].InsEnqueue)
	}
	round := popAll(t, s, 1000)
	if len(round) != 1 || round[0].Ups != 1 {
		t.Fatalf("expected one re-enqueued task with ups=1, got %+v", round)
	}
}

func testUpdateTask(t *testing.T, s notify.Store) {
	ctx := context.Background()
	pushed := push(t, s, task("c1", "u1", "p1", 100))

	got, err := s.UpdateTask(ctx, pushed[0].ID, models.TaskPatch{Sent: models.Int64(42), Reaction: models.Bool(false)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got == nil || got.Sent == nil || *got.Sent != 42 || got.Reaction == nil || *got.Reaction {
		t.Fatalf("unexpected post-image %+v", got)
	}
	if got.SenderID != "u1" || got.Enqueue != 100 {
		t.Fatalf("untouched fields changed: %+v", got)
	}

	missing, err := s.UpdateTask(ctx, "000000000000000000000000", models.TaskPatch{Failed: models.Bool(true)})
	if err != nil {
		t.Fatalf("update missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown task, got %+v", missing)
	}
}

func testUpdateTaskConflict(t *testing.T, s notify.Store) {
	ctx := context.Background()
	sentOne := task("c1", "u1", "p1", 100)
	sentOne.Sent = models.Int64(7)
	pushed := push(t, s, sentOne, task("c1", "u1", "p1", 100))

	_, err := s.UpdateTask(ctx, pushed[1].ID, models.TaskPatch{Sent: models.Int64(7)})
	if !errors.Is(err, notify.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func sentTask(campaign, sender, page string, sent int64) models.Task {
	tk := task(campaign, sender, page, models.MaxTS)
	tk.Sent = models.Int64(sent)
	return tk
}

func testWatermarkMonotonic(t *testing.T, s notify.Store) {
	ctx := context.Background()
	push(t, s,
		sentTask("c1", "s", "p", 20),
		sentTask("c2", "s", "p", 40),
		sentTask("c3", "s", "p", 50),
		sentTask("c4", "s", "p", 70),
		sentTask("c5", "other", "p", 10),
	)

	first, err := s.UpdateTasksByWatermark(ctx, "s", "p", 50, models.EventRead, 1000)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 tasks read, got %d", len(first))
	}

	second, err := s.UpdateTasksByWatermark(ctx, "s", "p", 30, models.EventRead, 2000)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("already read tasks must not be rewritten, got %d", len(second))
	}
	for _, c := range []string{"c2", "c3"} {
		tk, err := s.GetSentTask(ctx, "p", "s", c)
		if err != nil || tk == nil {
			t.Fatalf("get sent task %s: %v", c, err)
		}
		if tk.Read == nil || *tk.Read != 1000 {
			t.Fatalf("read of %s should stay 1000, got %v", c, tk.Read)
		}
	}

	third, err := s.UpdateTasksByWatermark(ctx, "s", "p", 100, models.EventRead, 3000)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if len(third) != 1 || third[0].CampaignID != "c4" || third[0].Read == nil || *third[0].Read != 3000 {
		t.Fatalf("expected only c4 to be marked, got %+v", third)
	}

	delivered, err := s.UpdateTasksByWatermark(ctx, "s", "p", 100, models.EventDelivery, 3500)
	if err != nil {
		t.Fatalf("delivery watermark: %v", err)
	}
	if len(delivered) != 4 {
		t.Fatalf("delivery is tracked apart from read, got %d", len(delivered))
	}
}

func testWatermarkInvalidEvent(t *testing.T, s notify.Store) {
	_, err := s.UpdateTasksByWatermark(context.Background(), "s", "p", 10, "clicked", 1)
	if !errors.Is(err, notify.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func testSentTaskLookups(t *testing.T, s notify.Store) {
	ctx := context.Background()
	push(t, s,
		sentTask("c1", "s", "p", 10),
		sentTask("c1", "s", "p", 30),
		sentTask("c2", "s", "p", 5),
		task("c3", "s", "p", 100),
		sentTask("c4", "x", "p", 5),
	)

	tk, err := s.GetSentTask(ctx, "p", "s", "c1")
	if err != nil {
		t.Fatalf("get sent task: %v", err)
	}
	if tk == nil || tk.Sent == nil || *tk.Sent != 30 {
		t.Fatalf("expected latest sent task, got %+v", tk)
	}
	none, err := s.GetSentTask(ctx, "p", "s", "c3")
	if err != nil || none != nil {
		t.Fatalf("unsent campaign should yield nil, got %+v %v", none, err)
	}

	ids, err := s.GetSentCampaignIDs(ctx, "p", "s", []string{"c1", "c2", "c3", "c4"})
	if err != nil {
		t.Fatalf("sent campaign ids: %v", err)
	}
	sort.Strings(ids)
	if fmt.Sprint(ids) != "[c1 c2]" {
		t.Fatalf("expected [c1 c2], got %v", ids)
	}
}

func testUnsuccessfulSubscribers(t *testing.T, s notify.Store) {
	ctx := context.Background()
	left := task("c1", "left", "p1", models.MaxTS)
	left.Leaved = models.Int64(99)
	silent := sentTask("c1", "silent", "p1", 10)
	silent.Reaction = models.Bool(false)
	reacted := sentTask("c1", "reacted", "p1", 11)
	reacted.Reaction = models.Bool(true)
	otherPage := task("c1", "elsewhere", "p2", models.MaxTS)
	otherPage.Leaved = models.Int64(5)
	push(t, s, left, silent, reacted, otherPage)

	got, err := s.GetUnsuccessfulSubscribersByCampaign(ctx, "c1", false, "")
	if err != nil {
		t.Fatalf("unsuccessful: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 leaved recipients, got %+v", got)
	}
	got, err = s.GetUnsuccessfulSubscribersByCampaign(ctx, "c1", false, "p1")
	if err != nil {
		t.Fatalf("unsuccessful: %v", err)
	}
	if len(got) != 1 || got[0].SenderID != "left" {
		t.Fatalf("expected page filter to keep only left, got %+v", got)
	}
	got, err = s.GetUnsuccessfulSubscribersByCampaign(ctx, "c1", true, "")
	if err != nil {
		t.Fatalf("unsuccessful: %v", err)
	}
	if len(got) != 1 || got[0] != (models.Target{SenderID: "silent", PageID: "p1"}) {
		t.Fatalf("expected only silent, got %+v", got)
	}
}

func testUnsuccessfulPagination(t *testing.T, s notify.Store) {
	const n = 2050
	tasks := make([]models.Task, 0, n)
	for i := 0; i < n; i++ {
		tk := task("big", fmt.Sprintf("u%05d", i), "p1", models.MaxTS)
		tk.Leaved = models.Int64(1)
		tasks = append(tasks, tk)
	}
	for start := 0; start < n; start += 500 {
		end := start + 500
		if end > n {
			end = n
		}
		push(t, s, tasks[start:end]...)
	}

	got, err := s.GetUnsuccessfulSubscribersByCampaign(context.Background(), "big", false, "")
	if err != nil {
		t.Fatalf("unsuccessful: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d targets, got %d", n, len(got))
	}
	seen := make(map[string]bool, n)
	for _, tg := range got {
		if seen[tg.SenderID] {
			t.Fatalf("duplicate target %s", tg.SenderID)
		}
		seen[tg.SenderID] = true
	}
}

func testCampaignUpsert(t *testing.T, s notify.Store) {
	ctx := context.Background()
	created, err := s.UpsertCampaign(ctx, models.Campaign{
		ID: "welcome", Name: "Welcome", Include: []string{"a"}, Action: "start", Active: true,
	}, &models.CampaignPatch{Slide: models.Int64(60000)})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created.ID != "welcome" || created.Name != "Welcome" || created.Slide != 60000 {
		t.Fatalf("unexpected insert image %+v", created)
	}

	// initial fields are ignored once the campaign exists
	again, err := s.UpsertCampaign(ctx, models.Campaign{ID: "welcome", Name: "Other", Action: "x"},
		&models.CampaignPatch{Name: models.String("Renamed")})
	if err != nil {
		t.Fatalf("upsert existing: %v", err)
	}
	if again.Name != "Renamed" || again.Action != "start" || !again.Active || again.Slide != 60000 {
		t.Fatalf("unexpected update image %+v", again)
	}

	generated, err := s.UpsertCampaign(ctx, models.Campaign{Name: "Anon", Action: "go"}, nil)
	if err != nil {
		t.Fatalf("upsert without id: %v", err)
	}
	if generated.ID == "" {
		t.Fatalf("expected a generated id")
	}
	loaded, err := s.GetCampaignByID(ctx, generated.ID)
	if err != nil || loaded == nil || loaded.Name != "Anon" {
		t.Fatalf("generated campaign not stored: %+v %v", loaded, err)
	}

	updated, err := s.UpdateCampaign(ctx, "welcome", models.CampaignPatch{Exclude: &[]string{"b"}, Active: models.Bool(false)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated == nil || updated.Active || len(updated.Exclude) != 1 || updated.Exclude[0] != "b" {
		t.Fatalf("unexpected update result %+v", updated)
	}
	missing, err := s.UpdateCampaign(ctx, "nope", models.CampaignPatch{Active: models.Bool(true)})
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown campaign, got %+v %v", missing, err)
	}

	list, err := s.GetCampaignsByIDs(ctx, []string{"welcome", generated.ID, "nope"})
	if err != nil {
		t.Fatalf("by ids: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 campaigns, got %d", len(list))
	}

	if err := s.RemoveCampaign(ctx, "welcome"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	gone, err := s.GetCampaignByID(ctx, "welcome")
	if err != nil || gone != nil {
		t.Fatalf("expected removed campaign to be gone, got %+v %v", gone, err)
	}
	if err := s.RemoveCampaign(ctx, "welcome"); err != nil {
		t.Fatalf("removing twice should be a no-op: %v", err)
	}
}

func testCampaignClaimPreImage(t *testing.T, s notify.Store) {
	ctx := context.Background()
	if _, err := s.UpsertCampaign(ctx, models.Campaign{ID: "due", Name: "Due", Active: true, StartAt: models.Int64(100)}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertCampaign(ctx, models.Campaign{ID: "paused", Name: "Paused", Active: false, StartAt: models.Int64(50)}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertCampaign(ctx, models.Campaign{ID: "later", Name: "Later", Active: true, StartAt: models.Int64(10000)}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.PopCampaign(ctx, 200)
	if err != nil {
		t.Fatalf("pop campaign: %v", err)
	}
	if got == nil || got.ID != "due" || got.StartAt == nil || *got.StartAt != 100 {
		t.Fatalf("expected pre-image of due with startAt=100, got %+v", got)
	}
	stored, err := s.GetCampaignByID(ctx, "due")
	if err != nil || stored == nil {
		t.Fatalf("get campaign: %v", err)
	}
	if stored.StartAt != nil {
		t.Fatalf("claimed campaign must have startAt cleared, got %d", *stored.StartAt)
	}
	next, err := s.PopCampaign(ctx, 200)
	if err != nil || next != nil {
		t.Fatalf("nothing else is due, got %+v %v", next, err)
	}

	// re-arming the trigger makes it claimable again
	if _, err := s.UpdateCampaign(ctx, "due", models.CampaignPatch{StartAt: models.Int64(150)}); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	if _, err := s.UpdateCampaign(ctx, "later", models.CampaignPatch{ClearStartAt: true}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rearmed, err := s.PopCampaign(ctx, 20000)
	if err != nil || rearmed == nil || rearmed.ID != "due" {
		t.Fatalf("expected re-armed campaign, got %+v %v", rearmed, err)
	}
	if last, err := s.PopCampaign(ctx, 20000); err != nil || last != nil {
		t.Fatalf("cleared trigger must not fire, got %+v %v", last, err)
	}
}

func testCampaignIncrement(t *testing.T, s notify.Store) {
	ctx := context.Background()
	if _, err := s.UpsertCampaign(ctx, models.Campaign{ID: "c", Name: "C"}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementCampaign(ctx, "c", models.CampaignCounters{Sent: 1, Queued: 2}); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := s.IncrementCampaign(ctx, "c", models.CampaignCounters{Failed: 3, NotSent: 1}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementCampaign(ctx, "missing", models.CampaignCounters{Sent: 1}); err != nil {
		t.Fatalf("increment of unknown campaign should be a no-op: %v", err)
	}

	got, err := s.GetCampaignByID(ctx, "c")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Sent != 10 || got.Queued != 20 || got.Failed != 3 || got.NotSent != 1 || got.Read != 0 {
		t.Fatalf("unexpected stats %+v", got.CampaignStats)
	}
	if missing, _ := s.GetCampaignByID(ctx, "missing"); missing != nil {
		t.Fatalf("increment must not create campaigns")
	}
}

func testCampaignListing(t *testing.T, s notify.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c := models.Campaign{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("n%d", i), Active: i%2 == 0}
		if _, err := s.UpsertCampaign(ctx, c, nil); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	var names []string
	token := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("pagination did not terminate")
		}
		page, err := s.GetCampaigns(ctx, models.CampaignFilter{}, 2, token)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, c := range page.Data {
			names = append(names, c.Name)
		}
		if page.Cursor == "" {
			break
		}
		token = page.Cursor
	}
	if fmt.Sprint(names) != "[n4 n3 n2 n1 n0]" {
		t.Fatalf("expected newest first, got %v", names)
	}

	active, err := s.GetCampaigns(ctx, models.CampaignFilter{Active: models.Bool(true)}, 0, "")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active.Data) != 3 || active.Cursor != "" {
		t.Fatalf("expected 3 active campaigns, got %d", len(active.Data))
	}

	if _, err := s.GetCampaigns(ctx, models.CampaignFilter{}, 2, "not-a-cursor"); err == nil {
		t.Fatalf("expected an error for a malformed cursor")
	}
}

func testUnsubscribeReporting(t *testing.T, s notify.Store) {
	ctx := context.Background()
	for _, tag := range []string{"a", "b", "a"} {
		if err := s.Subscribe(ctx, "u", "p", tag); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	tags, err := s.GetSenderSubscriptions(ctx, "u", "p")
	if err != nil {
		t.Fatalf("sender subscriptions: %v", err)
	}
	sort.Strings(tags)
	if fmt.Sprint(tags) != "[a b]" {
		t.Fatalf("subscribe must behave as a set, got %v", tags)
	}

	removed, err := s.Unsubscribe(ctx, "u", "p", "a")
	if err != nil || fmt.Sprint(removed) != "[a]" {
		t.Fatalf("expected [a], got %v %v", removed, err)
	}
	tags, _ = s.GetSenderSubscriptions(ctx, "u", "p")
	if fmt.Sprint(tags) != "[b]" {
		t.Fatalf("expected [b] left, got %v", tags)
	}
	removed, err = s.Unsubscribe(ctx, "u", "p", "a")
	if err != nil || removed == nil || len(removed) != 0 {
		t.Fatalf("removing an absent tag should report nothing, got %v %v", removed, err)
	}
	removed, err = s.Unsubscribe(ctx, "u", "p", "b")
	if err != nil || fmt.Sprint(removed) != "[b]" {
		t.Fatalf("expected [b], got %v %v", removed, err)
	}
	tags, _ = s.GetSenderSubscriptions(ctx, "u", "p")
	if len(tags) != 0 {
		t.Fatalf("record should be gone, got %v", tags)
	}
	if n, _ := s.GetSubscriptionsCount(ctx, nil, nil, "p"); n != 0 {
		t.Fatalf("empty record must not be kept, count %d", n)
	}
	removed, err = s.Unsubscribe(ctx, "u", "p", "")
	if err != nil || removed == nil || len(removed) != 0 {
		t.Fatalf("unsubscribe of missing record should be empty, got %v %v", removed, err)
	}

	for _, tag := range []string{"x", "y"} {
		if err := s.Subscribe(ctx, "w", "p", tag); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	removed, err = s.Unsubscribe(ctx, "w", "p", "")
	sort.Strings(removed)
	if err != nil || fmt.Sprint(removed) != "[x y]" {
		t.Fatalf("whole record removal should report every tag, got %v %v", removed, err)
	}
}

func testTargetingSetSemantics(t *testing.T, s notify.Store) {
	ctx := context.Background()
	subs := map[string][]string{"first": {"a"}, "second": {"b"}, "third": {"a", "b"}}
	for sender, tags := range subs {
		for _, tag := range tags {
			if err := s.Subscribe(ctx, sender, "p", tag); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
		}
	}
	if err := s.Subscribe(ctx, "first", "other", "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	page, err := s.GetSubscriptions(ctx, []string{"a"}, []string{"b"}, 0, "p", "")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0] != (models.Target{SenderID: "first", PageID: "p"}) {
		t.Fatalf("expected only first, got %+v", page.Data)
	}

	count := func(include, exclude []string, pageID string) int64 {
		n, err := s.GetSubscriptionsCount(ctx, include, exclude, pageID)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		return n
	}
	if n := count([]string{"a"}, []string{"b"}, ""); n != 2 {
		t.Fatalf("expected 2 across pages, got %d", n)
	}
	if n := count(nil, nil, "p"); n != 3 {
		t.Fatalf("expected 3 on page p, got %d", n)
	}
	if n := count(nil, []string{"a"}, ""); n != 1 {
		t.Fatalf("expected only second without a, got %d", n)
	}
	if n := count([]string{"a", "b"}, nil, "p"); n != 3 {
		t.Fatalf("include is a union, got %d", n)
	}
}

func testSubscriptionPagination(t *testing.T, s notify.Store) {
	ctx := context.Background()
	const n = 2050
	for i := 0; i < n; i++ {
		if err := s.Subscribe(ctx, fmt.Sprintf("u%05d", i), "p", "news"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	all, err := s.GetSubscriptions(ctx, []string{"news"}, nil, 0, "p", "")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(all.Data) != n || all.Cursor != "" {
		t.Fatalf("expected %d without cursor, got %d %q", n, len(all.Data), all.Cursor)
	}

	seen := make(map[string]bool, n)
	token := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("pagination did not terminate")
		}
		page, err := s.GetSubscriptions(ctx, []string{"news"}, nil, 1000, "p", token)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, tg := range page.Data {
			if seen[tg.SenderID] {
				t.Fatalf("duplicate %s", tg.SenderID)
			}
			seen[tg.SenderID] = true
		}
		if page.Cursor == "" {
			break
		}
		token = page.Cursor
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct targets, got %d", n, len(seen))
	}
}

func testTags(t *testing.T, s notify.Store) {
	ctx := context.Background()
	add := func(sender, page string, tags ...string) {
		for _, tag := range tags {
			if err := s.Subscribe(ctx, sender, page, tag); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
		}
	}
	add("u1", "p", "a", "b")
	add("u2", "p", "a")
	add("u3", "p", "a", "c")
	add("u4", "q", "c", "d")

	stats, err := s.GetTags(ctx, "p")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if len(stats) != 3 || stats[0] != (models.TagStat{Tag: "a", Subscriptions: 3}) {
		t.Fatalf("unexpected tag stats %+v", stats)
	}

	all, err := s.GetTags(ctx, "")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	counts := map[string]int64{}
	for _, st := range all {
		counts[st.Tag] = st.Subscriptions
	}
	if counts["a"] != 3 || counts["c"] != 2 || counts["d"] != 1 || counts["b"] != 1 {
		t.Fatalf("unexpected global tag stats %+v", all)
	}

	if _, err := s.Unsubscribe(ctx, "u3", "p", ""); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	stats, _ = s.GetTags(ctx, "p")
	if len(stats) != 2 || stats[0] != (models.TagStat{Tag: "a", Subscriptions: 2}) {
		t.Fatalf("tag stats should follow unsubscribes, got %+v", stats)
	}
}
