// Package redisstore implements the notification engine on Redis. Every claim
// and conditional write is one Lua script, so it is atomic on the server.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"notification-engine/internal/cursor"
	"notification-engine/internal/notify"
)

// Store keeps tasks, campaigns and subscriptions under a key prefix.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ notify.Store = (*Store)(nil)

// New wraps an existing client. prefix namespaces every key, e.g. "notify:".
func New(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) Close(context.Context) error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func seg(v string) string {
	return strconv.Itoa(len(v)) + ":" + v
}

func (s *Store) taskHash(id string) string { return s.prefix + "task:" + id }
func (s *Store) dueKey() string            { return s.prefix + "tasks:due" }
func (s *Store) taskSeqKey() string        { return s.prefix + "tasks:seq" }
func (s *Store) campaignTasksKey(campaignID string) string {
	return s.prefix + "tasks:campaign:" + campaignID
}
func (s *Store) recipientKey(pageID, senderID string) string {
	return s.prefix + "tasks:recipient:" + seg(pageID) + seg(senderID)
}

// taskKey must match taskKeyLua.
func (s *Store) taskKey(campaignID, senderID, pageID, sent string) string {
	return s.prefix + "tasks:key:" + seg(campaignID) + seg(senderID) + seg(pageID) + seg(sent)
}

func (s *Store) campaignHash(id string) string { return s.prefix + "campaign:" + id }
func (s *Store) campaignOrderKey() string      { return s.prefix + "campaigns:order" }
func (s *Store) campaignPendingKey() string    { return s.prefix + "campaigns:pending" }
func (s *Store) campaignSeqKey() string        { return s.prefix + "campaigns:seq" }

func (s *Store) subscriptionKey(member string) string { return s.prefix + "sub:" + member }
func (s *Store) subscriptionOrderKey() string         { return s.prefix + "subs:order" }
func (s *Store) subscriptionPageOrderKey(pageID string) string {
	return s.prefix + "subs:order:page:" + pageID
}
func (s *Store) subscriptionSeqKey() string { return s.prefix + "subs:seq" }
func (s *Store) tagsKey() string            { return s.prefix + "tags" }
func (s *Store) pageTagsKey(pageID string) string {
	return s.prefix + "tags:page:" + pageID
}

// hashFromReply turns a flat HGETALL reply returned by a script into a map.
func hashFromReply(v any) (map[string]string, error) {
	arr, ok := v.([]any)
	if !ok || len(arr)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", v)
	}
	out := make(map[string]string, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		k, _ := arr[i].(string)
		val, _ := arr[i+1].(string)
		out[k] = val
	}
	return out, nil
}

func stringsFromReply(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func int64Field(h map[string]string, key string) (int64, error) {
	v, ok := h[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func optInt64(h map[string]string, key string) (*int64, error) {
	if _, ok := h[key]; !ok {
		return nil, nil
	}
	n, err := int64Field(h, key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optBool(h map[string]string, key string) *bool {
	v, ok := h[key]
	if !ok {
		return nil
	}
	b := v == "1"
	return &b
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scored is an item read from a sequence-ordered sorted set.
type scored[T any] struct {
	seq  int64
	item T
}

func seqKey[T any](s scored[T]) string { return strconv.FormatInt(s.seq, 10) }

// loadFunc resolves members to items; ok[i] false drops member i.
type loadFunc[T any] func(ctx context.Context, members []string) (items []T, ok []bool, err error)

// walk reads a zset scored by insertion sequence, strictly after the sequence
// after, and returns the first size members load accepts once skip accepted
// members have been passed over.
func walk[T any](ctx context.Context, rdb redis.Cmdable, key string, desc bool, after string, skip int64, size int, load loadFunc[T]) ([]scored[T], error) {
	if after != "" {
		if _, err := strconv.ParseInt(after, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: %v", cursor.ErrInvalid, err)
		}
	}
	batch := int64(notify.DefaultPageLimit)
	out := []scored[T]{}
	for len(out) < size {
		by := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: batch}
		var zs []redis.Z
		var err error
		if desc {
			if after != "" {
				by.Max = "(" + after
			}
			zs, err = rdb.ZRevRangeByScoreWithScores(ctx, key, by).Result()
		} else {
			if after != "" {
				by.Min = "(" + after
			}
			zs, err = rdb.ZRangeByScoreWithScores(ctx, key, by).Result()
		}
		if err != nil {
			return nil, err
		}
		if len(zs) == 0 {
			break
		}
		members := make([]string, len(zs))
		for i, z := range zs {
			members[i], _ = z.Member.(string)
		}
		items, ok, err := load(ctx, members)
		if err != nil {
			return nil, err
		}
		for i, z := range zs {
			after = strconv.FormatInt(int64(z.Score), 10)
			if !ok[i] {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, scored[T]{seq: int64(z.Score), item: items[i]})
			if len(out) == size {
				break
			}
		}
		if int64(len(zs)) < batch {
			break
		}
	}
	return out, nil
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CONFLICT")
}
