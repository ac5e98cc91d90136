package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"notification-engine/internal/cursor"
	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

const campaignColumns = `id, name, include_tags, exclude_tags, action, data, active, in_24hour_window,
	start_at, sliding, slide, slide_round, sent, succeeded, failed, unsubscribed, delivery, read,
	not_sent, leaved, queued`

func scanCampaign(row pgx.Row, extra ...any) (models.Campaign, error) {
	var c models.Campaign
	var data []byte
	dest := []any{&c.ID, &c.Name, &c.Include, &c.Exclude, &c.Action, &data, &c.Active, &c.In24HourWindow,
		&c.StartAt, &c.Sliding, &c.Slide, &c.SlideRound, &c.Sent, &c.Succeeded, &c.Failed, &c.Unsubscribed,
		&c.Delivery, &c.Read, &c.NotSent, &c.Leaved, &c.Queued}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Campaign{}, err
	}
	d, err := unmarshalJSON(data)
	if err != nil {
		return models.Campaign{}, err
	}
	c.Data = d
	return c, nil
}

// patchColumns lists the columns a campaign patch touches.
func patchColumns(p models.CampaignPatch) []string {
	var cols []string
	add := func(set bool, col string) {
		if set {
			cols = append(cols, col)
		}
	}
	add(p.Name != nil, "name")
	add(p.Include != nil, "include_tags")
	add(p.Exclude != nil, "exclude_tags")
	add(p.Action != nil, "action")
	add(p.Data != nil, "data")
	add(p.Active != nil, "active")
	add(p.In24HourWindow != nil, "in_24hour_window")
	add(p.StartAt != nil || p.ClearStartAt, "start_at")
	add(p.Sliding != nil, "sliding")
	add(p.Slide != nil, "slide")
	add(p.SlideRound != nil, "slide_round")
	return cols
}

// UpsertCampaign inserts c (with patch applied) or, when a campaign with the
// same id exists, applies only the patch.
func (s *Store) UpsertCampaign(ctx context.Context, c models.Campaign, patch *models.CampaignPatch) (models.Campaign, error) {
	var p models.CampaignPatch
	if patch != nil {
		p = *patch
	}
	withID := c.ID != ""
	if !withID {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Campaign{}, fmt.Errorf("generate campaign id: %w", err)
		}
		c.ID = id.String()
	}
	p.Apply(&c)

	data, err := marshalJSON(c.Data)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal data: %w", err)
	}

	conflict := ""
	if withID {
		sets := []string{"id = EXCLUDED.id"}
		for _, col := range patchColumns(p) {
			sets = append(sets, col+" = EXCLUDED."+col)
		}
		conflict = `ON CONFLICT (id) DO UPDATE SET ` + strings.Join(sets, ", ")
	}

	out, err := scanCampaign(s.pool.QueryRow(ctx, `
		INSERT INTO notification_campaigns AS c
			(id, name, include_tags, exclude_tags, action, data, active, in_24hour_window,
			 start_at, sliding, slide, slide_round, sent, succeeded, failed, unsubscribed,
			 delivery, read, not_sent, leaved, queued)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		`+conflict+`
		RETURNING `+campaignColumns,
		c.ID, c.Name, nonNil(c.Include), nonNil(c.Exclude), c.Action, data, c.Active, c.In24HourWindow,
		c.StartAt, c.Sliding, c.Slide, c.SlideRound, c.Sent, c.Succeeded, c.Failed, c.Unsubscribed,
		c.Delivery, c.Read, c.NotSent, c.Leaved, c.Queued))
	if err != nil {
		return models.Campaign{}, wrap("upsert campaign", err)
	}
	return out, nil
}

// UpdateCampaign applies the patch and returns the post-image.
func (s *Store) UpdateCampaign(ctx context.Context, id string, patch models.CampaignPatch) (*models.Campaign, error) {
	if patch.Empty() {
		return s.GetCampaignByID(ctx, id)
	}
	set := &setList{args: []any{id}}
	if patch.Name != nil {
		set.add("name = $%d", *patch.Name)
	}
	if patch.Include != nil {
		set.add("include_tags = $%d", nonNil(*patch.Include))
	}
	if patch.Exclude != nil {
		set.add("exclude_tags = $%d", nonNil(*patch.Exclude))
	}
	if patch.Action != nil {
		set.add("action = $%d", *patch.Action)
	}
	if patch.Data != nil {
		data, err := marshalJSON(*patch.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		set.add("data = $%d", data)
	}
	if patch.Active != nil {
		set.add("active = $%d", *patch.Active)
	}
	if patch.In24HourWindow != nil {
		set.add("in_24hour_window = $%d", *patch.In24HourWindow)
	}
	if patch.ClearStartAt {
		set.cols = append(set.cols, "start_at = NULL")
	} else if patch.StartAt != nil {
		set.add("start_at = $%d", *patch.StartAt)
	}
	if patch.Sliding != nil {
		set.add("sliding = $%d", *patch.Sliding)
	}
	if patch.Slide != nil {
		set.add("slide = $%d", *patch.Slide)
	}
	if patch.SlideRound != nil {
		set.add("slide_round = $%d", *patch.SlideRound)
	}

	c, err := scanCampaign(s.pool.QueryRow(ctx, `UPDATE notification_campaigns SET `+strings.Join(set.cols, ", ")+
		` WHERE id = $1 RETURNING `+campaignColumns, set.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update campaign", err)
	}
	return &c, nil
}

func (s *Store) RemoveCampaign(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM notification_campaigns WHERE id = $1`, id); err != nil {
		return wrap("remove campaign", err)
	}
	return nil
}

// PopCampaign clears the trigger of one due active campaign and returns the
// row as it was before.
func (s *Store) PopCampaign(ctx context.Context, now int64) (*models.Campaign, error) {
	var startAt *int64
	c, err := scanCampaign(s.pool.QueryRow(ctx, `
		WITH due AS (
			SELECT row_id, start_at FROM notification_campaigns
			WHERE start_at IS NOT NULL AND start_at <= $1 AND active
			ORDER BY start_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_campaigns c SET start_at = NULL
		FROM due
		WHERE c.row_id = due.row_id
		RETURNING c.id, c.name, c.include_tags, c.exclude_tags, c.action, c.data, c.active,
			c.in_24hour_window, c.start_at, c.sliding, c.slide, c.slide_round, c.sent, c.succeeded,
			c.failed, c.unsubscribed, c.delivery, c.read, c.not_sent, c.leaved, c.queued, due.start_at
	`, now), &startAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("pop campaign", err)
	}
	c.StartAt = startAt
	return &c, nil
}

// IncrementCampaign adds the counters in a single UPDATE.
func (s *Store) IncrementCampaign(ctx context.Context, id string, counters models.CampaignCounters) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_campaigns SET
			sent = sent + $2, succeeded = succeeded + $3, failed = failed + $4,
			unsubscribed = unsubscribed + $5, delivery = delivery + $6, read = read + $7,
			not_sent = not_sent + $8, leaved = leaved + $9, queued = queued + $10
		WHERE id = $1
	`, id, counters.Sent, counters.Succeeded, counters.Failed, counters.Unsubscribed,
		counters.Delivery, counters.Read, counters.NotSent, counters.Leaved, counters.Queued)
	if err != nil {
		return wrap("increment campaign", err)
	}
	return nil
}

func (s *Store) GetCampaignByID(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM notification_campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get campaign", err)
	}
	return &c, nil
}

func (s *Store) GetCampaignsByIDs(ctx context.Context, ids []string) ([]models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+campaignColumns+` FROM notification_campaigns WHERE id = ANY($1)`, nonNil(ids))
	if err != nil {
		return nil, wrap("get campaigns by ids", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Campaign, error) {
		return scanCampaign(row)
	})
	if err != nil {
		return nil, wrap("get campaigns by ids", err)
	}
	return out, nil
}

type keyedCampaign struct {
	rowID int64
	models.Campaign
}

// GetCampaigns lists campaigns newest first.
func (s *Store) GetCampaigns(ctx context.Context, filter models.CampaignFilter, limit int, token string) (models.CampaignPage, error) {
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]keyedCampaign, error) {
		var before int64
		if after != "" {
			v, err := strconv.ParseInt(after, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", cursor.ErrInvalid, err)
			}
			before = v
		}
		rows, err := s.pool.Query(ctx, `
			SELECT `+campaignColumns+`, row_id FROM notification_campaigns
			WHERE ($1::boolean IS NULL OR active = $1)
				AND ($2::boolean IS NULL OR sliding = $2)
				AND ($3::bigint = 0 OR row_id < $3)
			ORDER BY row_id DESC
			LIMIT $4 OFFSET $5
		`, filter.Active, filter.Sliding, before, size, skip)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (keyedCampaign, error) {
			var k keyedCampaign
			c, err := scanCampaign(row, &k.rowID)
			k.Campaign = c
			return k, err
		})
	}
	rows, next, err := notify.Paginate(ctx, limit, token, fetch, func(k keyedCampaign) string {
		return strconv.FormatInt(k.rowID, 10)
	})
	if err != nil {
		return models.CampaignPage{}, wrap("get campaigns", err)
	}
	page := models.CampaignPage{Data: make([]models.Campaign, len(rows)), Cursor: next}
	for i, r := range rows {
		page.Data[i] = r.Campaign
	}
	return page, nil
}
