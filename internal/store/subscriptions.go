package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"notification-engine/internal/cursor"
	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

// audience matches tags ∩ include ≠ ∅ (when include is set) and tags ∩ exclude = ∅.
const audience = `(cardinality($1::text[]) = 0 OR subs && $1::text[])
	AND NOT (subs && $2::text[])
	AND ($3 = '' OR page_id = $3)`

// Subscribe adds tag to the recipient's set, creating the record if needed.
func (s *Store) Subscribe(ctx context.Context, senderID, pageID, tag string) error {
	if tag == "" {
		return notify.ErrInvalidArgument
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_subscriptions AS s (sender_id, page_id, subs)
		VALUES ($1, $2, ARRAY[$3::text])
		ON CONFLICT (page_id, sender_id) DO UPDATE SET
			subs = CASE WHEN $3::text = ANY(s.subs) THEN s.subs ELSE array_append(s.subs, $3::text) END
	`, senderID, pageID, tag)
	if err != nil {
		return wrap("subscribe", err)
	}
	return nil
}

// Unsubscribe removes one tag, or the whole record when tag is empty. A record
// left without tags is deleted.
func (s *Store) Unsubscribe(ctx context.Context, senderID, pageID, tag string) ([]string, error) {
	removed := []string{}
	whole := tag == ""
	if !whole {
		var left int
		err := s.pool.QueryRow(ctx, `
			UPDATE notification_subscriptions SET subs = array_remove(subs, $3::text)
			WHERE sender_id = $1 AND page_id = $2 AND $3::text = ANY(subs)
			RETURNING cardinality(subs)
		`, senderID, pageID, tag).Scan(&left)
		if errors.Is(err, pgx.ErrNoRows) {
			return removed, nil
		}
		if err != nil {
			return nil, wrap("unsubscribe", err)
		}
		removed = append(removed, tag)
		whole = left == 0
	}
	if !whole {
		return removed, nil
	}

	// a tag subscribed in the meantime keeps the record alive
	cond := ""
	if tag != "" {
		cond = " AND cardinality(subs) = 0"
	}
	var subs []string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM notification_subscriptions WHERE sender_id = $1 AND page_id = $2`+cond+`
		RETURNING subs
	`, senderID, pageID).Scan(&subs)
	if errors.Is(err, pgx.ErrNoRows) {
		return removed, nil
	}
	if err != nil {
		return nil, wrap("unsubscribe", err)
	}
	return append(removed, subs...), nil
}

func (s *Store) GetSubscriptionsCount(ctx context.Context, include, exclude []string, pageID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM notification_subscriptions WHERE `+audience,
		nonNil(include), nonNil(exclude), pageID).Scan(&n); err != nil {
		return 0, wrap("count subscriptions", err)
	}
	return n, nil
}

type keyedRecipient struct {
	rowID int64
	models.Target
}

// GetSubscriptions pages matching recipients in insertion order.
func (s *Store) GetSubscriptions(ctx context.Context, include, exclude []string, limit int, pageID, token string) (models.TargetPage, error) {
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]keyedRecipient, error) {
		var from int64
		if after != "" {
			v, err := strconv.ParseInt(after, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", cursor.ErrInvalid, err)
			}
			from = v
		}
		rows, err := s.pool.Query(ctx, `
			SELECT row_id, sender_id, page_id FROM notification_subscriptions
			WHERE `+audience+` AND row_id > $4
			ORDER BY row_id
			LIMIT $5 OFFSET $6
		`, nonNil(include), nonNil(exclude), pageID, from, size, skip)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (keyedRecipient, error) {
			var k keyedRecipient
			err := row.Scan(&k.rowID, &k.SenderID, &k.PageID)
			return k, err
		})
	}
	rows, next, err := notify.Paginate(ctx, limit, token, fetch, func(k keyedRecipient) string {
		return strconv.FormatInt(k.rowID, 10)
	})
	if err != nil {
		return models.TargetPage{}, wrap("get subscriptions", err)
	}
	page := models.TargetPage{Data: make([]models.Target, len(rows)), Cursor: next}
	for i, r := range rows {
		page.Data[i] = r.Target
	}
	return page, nil
}

func (s *Store) GetSenderSubscriptions(ctx context.Context, senderID, pageID string) ([]string, error) {
	var subs []string
	err := s.pool.QueryRow(ctx, `
		SELECT subs FROM notification_subscriptions WHERE sender_id = $1 AND page_id = $2
	`, senderID, pageID).Scan(&subs)
	if errors.Is(err, pgx.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, wrap("get sender subscriptions", err)
	}
	return nonNil(subs), nil
}

// GetTags counts subscriptions per tag, most used first.
func (s *Store) GetTags(ctx context.Context, pageID string) ([]models.TagStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tag, count(*) FROM notification_subscriptions, unnest(subs) AS tag
		WHERE $1 = '' OR page_id = $1
		GROUP BY tag
		ORDER BY count(*) DESC, tag
	`, pageID)
	if err != nil {
		return nil, wrap("get tags", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TagStat, error) {
		var st models.TagStat
		err := row.Scan(&st.Tag, &st.Subscriptions)
		return st, err
	})
	if err != nil {
		return nil, wrap("get tags", err)
	}
	return out, nil
}
