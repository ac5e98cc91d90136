package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

const taskColumns = `id, campaign_id, sender_id, page_id, enqueue, ins_enqueue, ups,
	sent, read, delivery, reaction, leaved, failed, payload`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var payload []byte
	if err := row.Scan(&t.ID, &t.CampaignID, &t.SenderID, &t.PageID, &t.Enqueue, &t.InsEnqueue, &t.Ups,
		&t.Sent, &t.Read, &t.Delivery, &t.Reaction, &t.Leaved, &t.Failed, &payload); err != nil {
		return models.Task{}, err
	}
	p, err := unmarshalJSON(payload)
	if err != nil {
		return models.Task{}, err
	}
	t.Payload = p
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	out := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PushTasks upserts all tasks in one batch round trip.
func (s *Store) PushTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	if err := notify.ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []models.Task{}, nil
	}

	batch := &pgx.Batch{}
	for _, t := range tasks {
		payload, err := marshalJSON(t.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		batch.Queue(`
			INSERT INTO notification_tasks AS t
				(id, campaign_id, sender_id, page_id, sent, enqueue, ins_enqueue, ups,
				 read, delivery, reaction, leaved, failed, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $6, 1, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (page_id, sender_id, campaign_id, (COALESCE(sent, -1))) DO UPDATE SET
				enqueue = EXCLUDED.enqueue,
				ins_enqueue = LEAST(t.ins_enqueue, EXCLUDED.enqueue),
				ups = t.ups + 1,
				read = COALESCE(EXCLUDED.read, t.read),
				delivery = COALESCE(EXCLUDED.delivery, t.delivery),
				reaction = COALESCE(EXCLUDED.reaction, t.reaction),
				leaved = COALESCE(EXCLUDED.leaved, t.leaved),
				failed = COALESCE(EXCLUDED.failed, t.failed),
				payload = CASE WHEN EXCLUDED.payload IS NULL THEN t.payload
					ELSE COALESCE(t.payload, '{}'::jsonb) || EXCLUDED.payload END
			RETURNING id, ins_enqueue, enqueue, ups, (xmax = 0) AS inserted
		`, id.String(), t.CampaignID, t.SenderID, t.PageID, t.Sent, t.Enqueue,
			t.Read, t.Delivery, t.Reaction, t.Leaved, t.Failed, payload)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		var inserted bool
		if err := br.QueryRow().Scan(&t.ID, &t.InsEnqueue, &t.Enqueue, &t.Ups, &inserted); err != nil {
			return nil, wrap("push task", err)
		}
		if !inserted {
			t.Enqueue = notify.AdvanceTiedEnqueue(t.InsEnqueue, t.Enqueue, t.Ups)
		}
		out[i] = t
	}
	return out, nil
}

// PopTasks claims due tasks one statement at a time; SKIP LOCKED keeps
// concurrent poppers off each other's rows.
func (s *Store) PopTasks(ctx context.Context, limit int, until int64) ([]models.Task, error) {
	until = notify.Until(until)
	out := []models.Task{}
	for len(out) < limit {
		row := s.pool.QueryRow(ctx, `
			WITH due AS (
				SELECT id, enqueue, ins_enqueue, ups FROM notification_tasks
				WHERE enqueue <= $1
				ORDER BY enqueue, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE notification_tasks t
			SET enqueue = $2, ins_enqueue = $2, ups = 0
			FROM due
			WHERE t.id = due.id
			RETURNING t.id, t.campaign_id, t.sender_id, t.page_id, due.enqueue, due.ins_enqueue, due.ups,
				t.sent, t.read, t.delivery, t.reaction, t.leaved, t.failed, t.payload
		`, until, models.MaxTS)
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, wrap("pop task", err)
		}
		out = append(out, t)
	}
	return out, nil
}

type setList struct {
	cols []string
	args []any
}

func (l *setList) add(expr string, v any) {
	l.args = append(l.args, v)
	l.cols = append(l.cols, fmt.Sprintf(expr, len(l.args)))
}

// UpdateTask applies the patch and returns the post-image.
func (s *Store) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	set := &setList{args: []any{id}}
	if patch.Enqueue != nil {
		set.add("enqueue = $%d", *patch.Enqueue)
	}
	if patch.Sent != nil {
		set.add("sent = $%d", *patch.Sent)
	}
	if patch.Read != nil {
		set.add("read = $%d", *patch.Read)
	}
	if patch.Delivery != nil {
		set.add("delivery = $%d", *patch.Delivery)
	}
	if patch.Reaction != nil {
		set.add("reaction = $%d", *patch.Reaction)
	}
	if patch.Leaved != nil {
		set.add("leaved = $%d", *patch.Leaved)
	}
	if patch.Failed != nil {
		set.add("failed = $%d", *patch.Failed)
	}
	if patch.Payload != nil {
		payload, err := marshalJSON(patch.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		set.add("payload = COALESCE(payload, '{}'::jsonb) || $%d::jsonb", payload)
	}

	var row pgx.Row
	if len(set.cols) == 0 {
		row = s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM notification_tasks WHERE id = $1`, id)
	} else {
		row = s.pool.QueryRow(ctx, `UPDATE notification_tasks SET `+strings.Join(set.cols, ", ")+
			` WHERE id = $1 RETURNING `+taskColumns, set.args...)
	}
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update task", err)
	}
	return &t, nil
}

// UpdateTasksByWatermark sets the event column on every matching task whose
// column is still null when the row is written.
func (s *Store) UpdateTasksByWatermark(ctx context.Context, senderID, pageID string, watermark int64, event models.TaskEvent, ts int64) ([]models.Task, error) {
	var col string
	switch event {
	case models.EventRead:
		col = "read"
	case models.EventDelivery:
		col = "delivery"
	default:
		return nil, notify.ErrInvalidEvent
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		UPDATE notification_tasks SET %[1]s = $4
		WHERE sender_id = $1 AND page_id = $2 AND sent <= $3 AND %[1]s IS NULL
		RETURNING `+taskColumns, col), senderID, pageID, watermark, ts)
	if err != nil {
		return nil, wrap("update tasks by watermark", err)
	}
	out, err := collectTasks(rows)
	if err != nil {
		return nil, wrap("update tasks by watermark", err)
	}
	return out, nil
}

// GetSentTask returns the most recently sent task of a campaign for the recipient.
func (s *Store) GetSentTask(ctx context.Context, pageID, senderID, campaignID string) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM notification_tasks
		WHERE page_id = $1 AND sender_id = $2 AND campaign_id = $3 AND sent >= 1
		ORDER BY sent DESC
		LIMIT 1
	`, pageID, senderID, campaignID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get sent task", err)
	}
	return &t, nil
}

// GetSentCampaignIDs returns which candidate campaigns were already sent to the recipient.
func (s *Store) GetSentCampaignIDs(ctx context.Context, pageID, senderID string, candidates []string) ([]string, error) {
	const where = `FROM notification_tasks
		WHERE page_id = $1 AND sender_id = $2 AND campaign_id = ANY($3) AND sent >= 1`
	ids, err := s.campaignIDs(ctx, `SELECT DISTINCT campaign_id `+where, pageID, senderID, nonNil(candidates))
	if pgCode(err) == codeFeatureNotSupported {
		ids, err = s.campaignIDs(ctx, `SELECT campaign_id `+where, pageID, senderID, nonNil(candidates))
	}
	if err != nil {
		return nil, wrap("get sent campaign ids", err)
	}
	return ids, nil
}

func (s *Store) campaignIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

type keyedTarget struct {
	key string
	models.Target
}

// GetUnsuccessfulSubscribersByCampaign lists recipients who left, or with
// sentWithoutReaction, who have not left and did not react.
func (s *Store) GetUnsuccessfulSubscribersByCampaign(ctx context.Context, campaignID string, sentWithoutReaction bool, pageID string) ([]models.Target, error) {
	cond := "leaved > 0"
	if sentWithoutReaction {
		cond = "leaved IS NULL AND reaction = FALSE"
	}
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]keyedTarget, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, sender_id, page_id FROM notification_tasks
			WHERE campaign_id = $1 AND `+cond+` AND ($2 = '' OR page_id = $2) AND id > $3
			ORDER BY id
			LIMIT $4 OFFSET $5
		`, campaignID, pageID, after, size, skip)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (keyedTarget, error) {
			var k keyedTarget
			err := row.Scan(&k.key, &k.SenderID, &k.PageID)
			return k, err
		})
	}
	rows, err := notify.Drain(ctx, fetch, func(k keyedTarget) string { return k.key })
	if err != nil {
		return nil, wrap("get unsuccessful subscribers", err)
	}
	out := make([]models.Target, len(rows))
	for i, r := range rows {
		out[i] = r.Target
	}
	return out, nil
}
