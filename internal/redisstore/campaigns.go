package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

func decodeCampaign(h map[string]string) (models.Campaign, error) {
	c := models.Campaign{
		ID:             h["id"],
		Name:           h["name"],
		Action:         h["action"],
		Active:         h["active"] == "1",
		In24HourWindow: h["in24hourWindow"] == "1",
		Sliding:        h["sliding"] == "1",
	}
	for key, dst := range map[string]*[]string{"include": &c.Include, "exclude": &c.Exclude} {
		*dst = []string{}
		if v := h[key]; v != "" {
			if err := json.Unmarshal([]byte(v), dst); err != nil {
				return c, fmt.Errorf("decode %s: %w", key, err)
			}
		}
	}
	if v := h["data"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &c.Data); err != nil {
			return c, fmt.Errorf("decode data: %w", err)
		}
	}
	var err error
	if c.StartAt, err = optInt64(h, "startAt"); err != nil {
		return c, err
	}
	ints := map[string]*int64{
		"slide": &c.Slide, "slideRound": &c.SlideRound,
		"sent": &c.Sent, "succeeded": &c.Succeeded, "failed": &c.Failed, "unsubscribed": &c.Unsubscribed,
		"delivery": &c.Delivery, "read": &c.Read, "notSent": &c.NotSent, "leaved": &c.Leaved, "queued": &c.Queued,
	}
	for key, dst := range ints {
		if *dst, err = int64Field(h, key); err != nil {
			return c, err
		}
	}
	return c, nil
}

// campaignPairs flattens every stored campaign field.
func campaignPairs(c models.Campaign) ([]any, error) {
	include, err := jsonArg(nonNil(c.Include))
	if err != nil {
		return nil, err
	}
	exclude, err := jsonArg(nonNil(c.Exclude))
	if err != nil {
		return nil, err
	}
	data, err := jsonArg(c.Data)
	if err != nil {
		return nil, err
	}
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	out := []any{
		"name", c.Name, "include", include, "exclude", exclude, "action", c.Action, "data", data,
		"active", boolArg(c.Active), "in24hourWindow", boolArg(c.In24HourWindow),
		"sliding", boolArg(c.Sliding), "slide", i(c.Slide), "slideRound", i(c.SlideRound),
		"sent", i(c.Sent), "succeeded", i(c.Succeeded), "failed", i(c.Failed),
		"unsubscribed", i(c.Unsubscribed), "delivery", i(c.Delivery), "read", i(c.Read),
		"notSent", i(c.NotSent), "leaved", i(c.Leaved), "queued", i(c.Queued),
	}
	if c.StartAt != nil {
		out = append(out, "startAt", i(*c.StartAt))
	}
	return out, nil
}

// patchPairs returns the HSET pairs and HDEL fields of a patch.
func patchPairs(p models.CampaignPatch) ([]any, []any, error) {
	var set []any
	str := func(k string, v *string) {
		if v != nil {
			set = append(set, k, *v)
		}
	}
	b := func(k string, v *bool) {
		if v != nil {
			set = append(set, k, boolArg(*v))
		}
	}
	n := func(k string, v *int64) {
		if v != nil {
			set = append(set, k, strconv.FormatInt(*v, 10))
		}
	}
	str("name", p.Name)
	str("action", p.Action)
	b("active", p.Active)
	b("in24hourWindow", p.In24HourWindow)
	b("sliding", p.Sliding)
	n("slide", p.Slide)
	n("slideRound", p.SlideRound)
	for k, v := range map[string]*[]string{"include": p.Include, "exclude": p.Exclude} {
		if v == nil {
			continue
		}
		enc, err := jsonArg(nonNil(*v))
		if err != nil {
			return nil, nil, err
		}
		set = append(set, k, enc)
	}
	if p.Data != nil {
		enc, err := jsonArg(*p.Data)
		if err != nil {
			return nil, nil, err
		}
		set = append(set, "data", enc)
	}
	var del []any
	if p.ClearStartAt {
		del = append(del, "startAt")
	} else {
		n("startAt", p.StartAt)
	}
	return set, del, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) saveCampaign(ctx context.Context, mode, id string, insert, set, del []any) (*models.Campaign, error) {
	args := []any{mode, id, len(insert) / 2, len(set) / 2, len(del)}
	args = append(args, insert...)
	args = append(args, set...)
	args = append(args, del...)
	keys := []string{s.campaignHash(id), s.campaignOrderKey(), s.campaignPendingKey(), s.campaignSeqKey()}
	res, err := saveCampaignScript.Run(ctx, s.rdb, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h, err := hashFromReply(res)
	if err != nil {
		return nil, err
	}
	c, err := decodeCampaign(h)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpsertCampaign(ctx context.Context, c models.Campaign, patch *models.CampaignPatch) (models.Campaign, error) {
	var p models.CampaignPatch
	if patch != nil {
		p = *patch
	}
	if c.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Campaign{}, fmt.Errorf("generate campaign id: %w", err)
		}
		c.ID = id.String()
	}
	initial := c
	p.Apply(&initial)
	insert, err := campaignPairs(initial)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("upsert campaign: %w", err)
	}
	set, del, err := patchPairs(p)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("upsert campaign: %w", err)
	}
	out, err := s.saveCampaign(ctx, "upsert", c.ID, insert, set, del)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("upsert campaign: %w", err)
	}
	return *out, nil
}

func (s *Store) UpdateCampaign(ctx context.Context, id string, patch models.CampaignPatch) (*models.Campaign, error) {
	set, del, err := patchPairs(patch)
	if err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	out, err := s.saveCampaign(ctx, "update", id, nil, set, del)
	if err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return out, nil
}

func (s *Store) RemoveCampaign(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.campaignHash(id))
	pipe.ZRem(ctx, s.campaignOrderKey(), id)
	pipe.ZRem(ctx, s.campaignPendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove campaign: %w", err)
	}
	return nil
}

func (s *Store) PopCampaign(ctx context.Context, now int64) (*models.Campaign, error) {
	res, err := popCampaignScript.Run(ctx, s.rdb, []string{s.campaignPendingKey()},
		s.prefix, strconv.FormatInt(now, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop campaign: %w", err)
	}
	h, err := hashFromReply(res)
	if err != nil {
		return nil, fmt.Errorf("pop campaign: %w", err)
	}
	c, err := decodeCampaign(h)
	if err != nil {
		return nil, fmt.Errorf("pop campaign: %w", err)
	}
	return &c, nil
}

func (s *Store) IncrementCampaign(ctx context.Context, id string, counters models.CampaignCounters) error {
	fields := counters.Fields()
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := incrementCampaignScript.Run(ctx, s.rdb, []string{s.campaignHash(id)}, args...).Err(); err != nil {
		return fmt.Errorf("increment campaign: %w", err)
	}
	return nil
}

// loadCampaigns reads campaign hashes in one pipeline; missing ones come back nil.
func (s *Store) loadCampaigns(ctx context.Context, ids []string) ([]*models.Campaign, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.campaignHash(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]*models.Campaign, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		c, err := decodeCampaign(h)
		if err != nil {
			return nil, err
		}
		out[i] = &c
	}
	return out, nil
}

func (s *Store) GetCampaignByID(ctx context.Context, id string) (*models.Campaign, error) {
	out, err := s.loadCampaigns(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return out[0], nil
}

func (s *Store) GetCampaignsByIDs(ctx context.Context, ids []string) ([]models.Campaign, error) {
	loaded, err := s.loadCampaigns(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get campaigns by ids: %w", err)
	}
	out := make([]models.Campaign, 0, len(loaded))
	for _, c := range loaded {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Store) GetCampaigns(ctx context.Context, filter models.CampaignFilter, limit int, token string) (models.CampaignPage, error) {
	load := func(ctx context.Context, ids []string) ([]models.Campaign, []bool, error) {
		loaded, err := s.loadCampaigns(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		items := make([]models.Campaign, len(ids))
		ok := make([]bool, len(ids))
		for i, c := range loaded {
			if c != nil && filter.Match(*c) {
				items[i], ok[i] = *c, true
			}
		}
		return items, ok, nil
	}
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]scored[models.Campaign], error) {
		return walk(ctx, s.rdb, s.campaignOrderKey(), true, after, skip, size, load)
	}
	rows, next, err := notify.Paginate(ctx, limit, token, fetch, seqKey[models.Campaign])
	if err != nil {
		return models.CampaignPage{}, fmt.Errorf("get campaigns: %w", err)
	}
	page := models.CampaignPage{Data: make([]models.Campaign, len(rows)), Cursor: next}
	for i, r := range rows {
		page.Data[i] = r.item
	}
	return page, nil
}
