package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

// payload keys live next to the task fields under this prefix
const payloadField = "p:"

func decodeTask(h map[string]string) (models.Task, error) {
	var t models.Task
	var err error
	t.ID, t.CampaignID, t.SenderID, t.PageID = h["id"], h["campaignId"], h["senderId"], h["pageId"]
	if t.Enqueue, err = int64Field(h, "enqueue"); err != nil {
		return t, err
	}
	if t.InsEnqueue, err = int64Field(h, "insEnqueue"); err != nil {
		return t, err
	}
	ups, err := int64Field(h, "ups")
	if err != nil {
		return t, err
	}
	t.Ups = int(ups)
	for key, dst := range map[string]**int64{"sent": &t.Sent, "read": &t.Read, "delivery": &t.Delivery, "leaved": &t.Leaved} {
		if *dst, err = optInt64(h, key); err != nil {
			return t, err
		}
	}
	t.Reaction = optBool(h, "reaction")
	t.Failed = optBool(h, "failed")
	for k, v := range h {
		if !strings.HasPrefix(k, payloadField) {
			continue
		}
		if t.Payload == nil {
			t.Payload = map[string]any{}
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			return t, fmt.Errorf("decode payload %s: %w", k, err)
		}
		t.Payload[strings.TrimPrefix(k, payloadField)] = val
	}
	return t, nil
}

// taskPairs flattens the optional task fields into HSET arguments.
func taskPairs(enqueue *int64, read, delivery, leaved *int64, reaction, failed *bool, payload map[string]any) ([]any, error) {
	var out []any
	addInt := func(k string, v *int64) {
		if v != nil {
			out = append(out, k, strconv.FormatInt(*v, 10))
		}
	}
	addBool := func(k string, v *bool) {
		if v != nil {
			out = append(out, k, boolArg(*v))
		}
	}
	addInt("enqueue", enqueue)
	addInt("read", read)
	addInt("delivery", delivery)
	addInt("leaved", leaved)
	addBool("reaction", reaction)
	addBool("failed", failed)
	for k, v := range payload {
		enc, err := jsonArg(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload %s: %w", k, err)
		}
		out = append(out, payloadField+k, enc)
	}
	return out, nil
}

func sentArg(sent *int64) string {
	if sent == nil {
		return ""
	}
	return strconv.FormatInt(*sent, 10)
}

// PushTasks runs one upsert script per task inside a single pipeline.
func (s *Store) PushTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	if err := notify.ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []models.Task{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.Cmd, len(tasks))
	for i, t := range tasks {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		pairs, err := taskPairs(nil, t.Read, t.Delivery, t.Leaved, t.Reaction, t.Failed, t.Payload)
		if err != nil {
			return nil, err
		}
		sent := sentArg(t.Sent)
		keys := []string{
			s.taskKey(t.CampaignID, t.SenderID, t.PageID, sent),
			s.dueKey(),
			s.recipientKey(t.PageID, t.SenderID),
			s.campaignTasksKey(t.CampaignID),
			s.taskSeqKey(),
		}
		args := append([]any{s.prefix, id.String(), t.CampaignID, t.SenderID, t.PageID, sent,
			strconv.FormatInt(t.Enqueue, 10)}, pairs...)
		cmds[i] = pushTaskScript.Eval(ctx, pipe, keys, args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("push tasks: %w", err)
	}

	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		arr, err := cmds[i].Slice()
		if err != nil {
			return nil, fmt.Errorf("push task reply: %w", err)
		}
		if out[i], err = applyPushReply(t, arr); err != nil {
			return nil, fmt.Errorf("push task reply: %w", err)
		}
	}
	return out, nil
}

// applyPushReply copies the upsert script's {id, insEnqueue, enqueue, ups,
// inserted} reply onto t.
func applyPushReply(t models.Task, arr []any) (models.Task, error) {
	if len(arr) != 5 {
		return t, fmt.Errorf("expected 5 values, got %d", len(arr))
	}
	var err error
	t.ID, _ = arr[0].(string)
	if t.InsEnqueue, err = strconv.ParseInt(fmt.Sprint(arr[1]), 10, 64); err != nil {
		return t, err
	}
	ups, _ := arr[3].(int64)
	inserted, _ := arr[4].(int64)
	t.Ups = int(ups)
	if inserted == 0 {
		t.Enqueue = notify.AdvanceTiedEnqueue(t.InsEnqueue, t.Enqueue, t.Ups)
	}
	return t, nil
}

func (s *Store) PopTasks(ctx context.Context, limit int, until int64) ([]models.Task, error) {
	until = notify.Until(until)
	out := []models.Task{}
	for len(out) < limit {
		res, err := popTaskScript.Run(ctx, s.rdb, []string{s.dueKey()},
			s.prefix, strconv.FormatInt(until, 10), strconv.FormatInt(models.MaxTS, 10)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pop task: %w", err)
		}
		h, err := hashFromReply(res)
		if err != nil {
			return nil, fmt.Errorf("pop task: %w", err)
		}
		t, err := decodeTask(h)
		if err != nil {
			return nil, fmt.Errorf("pop task: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	pairs, err := taskPairs(patch.Enqueue, patch.Read, patch.Delivery, patch.Leaved, patch.Reaction, patch.Failed, patch.Payload)
	if err != nil {
		return nil, err
	}
	if patch.Sent != nil {
		pairs = append(pairs, "sent", sentArg(patch.Sent))
	}
	res, err := updateTaskScript.Run(ctx, s.rdb, []string{s.taskHash(id), s.dueKey()},
		append([]any{s.prefix}, pairs...)...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if isConflict(err) {
		return nil, fmt.Errorf("update task: %w", notify.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	h, err := hashFromReply(res)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	t, err := decodeTask(h)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return &t, nil
}

// loadTasks reads task hashes in one pipeline; missing tasks come back nil.
func (s *Store) loadTasks(ctx context.Context, ids []string) ([]*models.Task, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.taskHash(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]*models.Task, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		t, err := decodeTask(h)
		if err != nil {
			return nil, err
		}
		out[i] = &t
	}
	return out, nil
}

func (s *Store) recipientTasks(ctx context.Context, pageID, senderID string) ([]*models.Task, error) {
	ids, err := s.rdb.SMembers(ctx, s.recipientKey(pageID, senderID)).Result()
	if err != nil {
		return nil, err
	}
	return s.loadTasks(ctx, ids)
}

func (s *Store) UpdateTasksByWatermark(ctx context.Context, senderID, pageID string, watermark int64, event models.TaskEvent, ts int64) ([]models.Task, error) {
	if err := notify.ValidateEvent(event); err != nil {
		return nil, err
	}
	res, err := watermarkScript.Run(ctx, s.rdb, []string{s.recipientKey(pageID, senderID)},
		s.prefix, strconv.FormatInt(watermark, 10), string(event), strconv.FormatInt(ts, 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("update tasks by watermark: %w", err)
	}
	loaded, err := s.loadTasks(ctx, stringsFromReply(res))
	if err != nil {
		return nil, fmt.Errorf("update tasks by watermark: %w", err)
	}
	out := make([]models.Task, 0, len(loaded))
	for _, t := range loaded {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) GetSentTask(ctx context.Context, pageID, senderID, campaignID string) (*models.Task, error) {
	tasks, err := s.recipientTasks(ctx, pageID, senderID)
	if err != nil {
		return nil, fmt.Errorf("get sent task: %w", err)
	}
	var best *models.Task
	for _, t := range tasks {
		if t == nil || t.CampaignID != campaignID || t.Sent == nil || *t.Sent < 1 {
			continue
		}
		if best == nil || *t.Sent > *best.Sent {
			best = t
		}
	}
	return best, nil
}

func (s *Store) GetSentCampaignIDs(ctx context.Context, pageID, senderID string, candidates []string) ([]string, error) {
	tasks, err := s.recipientTasks(ctx, pageID, senderID)
	if err != nil {
		return nil, fmt.Errorf("get sent campaign ids: %w", err)
	}
	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[c] = true
	}
	seen := map[string]bool{}
	out := []string{}
	for _, t := range tasks {
		if t == nil || !wanted[t.CampaignID] || seen[t.CampaignID] || t.Sent == nil || *t.Sent < 1 {
			continue
		}
		seen[t.CampaignID] = true
		out = append(out, t.CampaignID)
	}
	return out, nil
}

func (s *Store) GetUnsuccessfulSubscribersByCampaign(ctx context.Context, campaignID string, sentWithoutReaction bool, pageID string) ([]models.Target, error) {
	load := func(ctx context.Context, ids []string) ([]models.Target, []bool, error) {
		tasks, err := s.loadTasks(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		items := make([]models.Target, len(ids))
		ok := make([]bool, len(ids))
		for i, t := range tasks {
			if t == nil || (pageID != "" && t.PageID != pageID) {
				continue
			}
			if sentWithoutReaction {
				ok[i] = t.Leaved == nil && t.Reaction != nil && !*t.Reaction
			} else {
				ok[i] = t.Leaved != nil && *t.Leaved > 0
			}
			items[i] = models.Target{SenderID: t.SenderID, PageID: t.PageID}
		}
		return items, ok, nil
	}
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]scored[models.Target], error) {
		return walk(ctx, s.rdb, s.campaignTasksKey(campaignID), false, after, skip, size, load)
	}
	rows, err := notify.Drain(ctx, fetch, seqKey[models.Target])
	if err != nil {
		return nil, fmt.Errorf("get unsuccessful subscribers: %w", err)
	}
	out := make([]models.Target, len(rows))
	for i, r := range rows {
		out[i] = r.item
	}
	return out, nil
}
