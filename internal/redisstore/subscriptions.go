package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

// member identifies a subscription inside the ordering sets.
func member(pageID, senderID string) string {
	b, _ := json.Marshal([2]string{pageID, senderID})
	return string(b)
}

func parseMember(m string) (models.Target, error) {
	var pair [2]string
	if err := json.Unmarshal([]byte(m), &pair); err != nil {
		return models.Target{}, fmt.Errorf("decode subscription member: %w", err)
	}
	return models.Target{PageID: pair[0], SenderID: pair[1]}, nil
}

func (s *Store) subscriptionKeys(pageID, senderID string) []string {
	return []string{
		s.subscriptionKey(member(pageID, senderID)),
		s.subscriptionOrderKey(),
		s.subscriptionPageOrderKey(pageID),
		s.subscriptionSeqKey(),
		s.tagsKey(),
		s.pageTagsKey(pageID),
	}
}

func (s *Store) Subscribe(ctx context.Context, senderID, pageID, tag string) error {
	if tag == "" {
		return notify.ErrInvalidArgument
	}
	err := subscribeScript.Run(ctx, s.rdb, s.subscriptionKeys(pageID, senderID), member(pageID, senderID), tag).Err()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *Store) Unsubscribe(ctx context.Context, senderID, pageID, tag string) ([]string, error) {
	res, err := unsubscribeScript.Run(ctx, s.rdb, s.subscriptionKeys(pageID, senderID), member(pageID, senderID), tag).Result()
	if err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	return stringsFromReply(res), nil
}

// audienceWalk pages matching recipients in subscription order.
func (s *Store) audienceWalk(include, exclude []string, pageID string) notify.FetchFunc[scored[models.Target]] {
	aud := models.Audience{Include: include, Exclude: exclude}
	order := s.subscriptionOrderKey()
	if pageID != "" {
		order = s.subscriptionPageOrderKey(pageID)
	}
	load := func(ctx context.Context, members []string) ([]models.Target, []bool, error) {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.StringSliceCmd, len(members))
		for i, m := range members {
			cmds[i] = pipe.SMembers(ctx, s.subscriptionKey(m))
		}
		if len(members) > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, nil, err
			}
		}
		items := make([]models.Target, len(members))
		ok := make([]bool, len(members))
		for i, m := range members {
			tags := cmds[i].Val()
			if len(tags) == 0 || !aud.Match(tags) {
				continue
			}
			tg, err := parseMember(m)
			if err != nil {
				return nil, nil, err
			}
			items[i], ok[i] = tg, true
		}
		return items, ok, nil
	}
	return func(ctx context.Context, after string, skip int64, size int) ([]scored[models.Target], error) {
		return walk(ctx, s.rdb, order, false, after, skip, size, load)
	}
}

func (s *Store) GetSubscriptionsCount(ctx context.Context, include, exclude []string, pageID string) (int64, error) {
	if len(include) == 0 && len(exclude) == 0 {
		key := s.subscriptionOrderKey()
		if pageID != "" {
			key = s.subscriptionPageOrderKey(pageID)
		}
		n, err := s.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("count subscriptions: %w", err)
		}
		return n, nil
	}
	rows, err := notify.Drain(ctx, s.audienceWalk(include, exclude, pageID), seqKey[models.Target])
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return int64(len(rows)), nil
}

func (s *Store) GetSubscriptions(ctx context.Context, include, exclude []string, limit int, pageID, token string) (models.TargetPage, error) {
	rows, next, err := notify.Paginate(ctx, limit, token, s.audienceWalk(include, exclude, pageID), seqKey[models.Target])
	if err != nil {
		return models.TargetPage{}, fmt.Errorf("get subscriptions: %w", err)
	}
	page := models.TargetPage{Data: make([]models.Target, len(rows)), Cursor: next}
	for i, r := range rows {
		page.Data[i] = r.item
	}
	return page, nil
}

func (s *Store) GetSenderSubscriptions(ctx context.Context, senderID, pageID string) ([]string, error) {
	tags, err := s.rdb.SMembers(ctx, s.subscriptionKey(member(pageID, senderID))).Result()
	if err != nil {
		return nil, fmt.Errorf("get sender subscriptions: %w", err)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *Store) GetTags(ctx context.Context, pageID string) ([]models.TagStat, error) {
	key := s.tagsKey()
	if pageID != "" {
		key = s.pageTagsKey(pageID)
	}
	counts, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}
	out := make([]models.TagStat, 0, len(counts))
	for tag, v := range counts {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("get tags: %w", err)
		}
		if n > 0 {
			out = append(out, models.TagStat{Tag: tag, Subscriptions: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subscriptions != out[j].Subscriptions {
			return out[i].Subscriptions > out[j].Subscriptions
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}
