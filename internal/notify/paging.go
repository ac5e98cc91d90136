package notify

import (
	"context"

	"notification-engine/internal/cursor"
)

// FetchFunc returns up to size items in scan order that come strictly after
// the internal key after ("" for the start), skipping the first skip matches.
type FetchFunc[T any] func(ctx context.Context, after string, skip int64, size int) ([]T, error)

// Paginate drains fetch under the page ceiling until it holds limit+1 items
// (or everything, when limit is 0) and returns at most limit of them plus the
// token of the next page. The incoming token may be a key or skip cursor.
func Paginate[T any](ctx context.Context, limit int, token string, fetch FetchFunc[T], key func(T) string) ([]T, string, error) {
	if limit < 0 {
		return nil, "", ErrInvalidArgument
	}
	start, err := cursor.Decode(token)
	if err != nil {
		return nil, "", err
	}
	var after string
	var skip int64
	if start != nil {
		after, skip = start.Key, start.Skip
	}

	size := PageSize(limit)
	var out []T
	for {
		batch, err := fetch(ctx, after, skip, size)
		if err != nil {
			return nil, "", err
		}
		out = append(out, batch...)
		if len(batch) < size || (limit > 0 && len(out) > limit) {
			break
		}
		after, skip = key(batch[len(batch)-1]), 0
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
		return out, cursor.FromKey(key(out[len(out)-1])).Encode(), nil
	}
	return out, "", nil
}

// Drain calls fetch a page at a time until a short page and returns everything.
func Drain[T any](ctx context.Context, fetch FetchFunc[T], key func(T) string) ([]T, error) {
	out, _, err := Paginate(ctx, 0, "", fetch, key)
	return out, err
}
