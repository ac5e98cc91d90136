package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"notification-engine/internal/cursor"
	"notification-engine/internal/models"
)

func TestAdvanceTiedEnqueue(t *testing.T) {
	cases := []struct {
		ins, enq int64
		ups      int
		want     int64
	}{
		{100, 100, 2, 101},
		{100, 100, 1, 100},
		{50, 100, 2, 100},
		{models.MaxTS, models.MaxTS, 3, models.MaxTS},
	}
	for _, c := range cases {
		if got := AdvanceTiedEnqueue(c.ins, c.enq, c.ups); got != c.want {
			t.Fatalf("AdvanceTiedEnqueue(%d, %d, %d) = %d, want %d", c.ins, c.enq, c.ups, got, c.want)
		}
	}
}

func TestPageSize(t *testing.T) {
	if PageSize(0) != DefaultPageLimit {
		t.Fatalf("limit 0 should use the ceiling")
	}
	if PageSize(10) != 11 {
		t.Fatalf("expected limit+1")
	}
	if PageSize(5000) != DefaultPageLimit {
		t.Fatalf("large limits are capped")
	}
}

func TestValidateEvent(t *testing.T) {
	if err := ValidateEvent(models.EventRead); err != nil {
		t.Fatalf("read rejected: %v", err)
	}
	if err := ValidateEvent("clicked"); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

// keyed slice source ordered by key
type source []string

func (s source) fetch(calls *int) FetchFunc[string] {
	return func(_ context.Context, after string, skip int64, size int) ([]string, error) {
		*calls++
		var out []string
		for _, k := range s {
			if after != "" && k <= after {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, k)
			if len(out) == size {
				break
			}
		}
		return out, nil
	}
}

func ident(s string) string { return s }

func newSource(n int) source {
	s := make(source, n)
	for i := range s {
		s[i] = fmt.Sprintf("%06d", i)
	}
	return s
}

func TestPaginateExhaustsAcrossCeiling(t *testing.T) {
	src := newSource(2050)
	calls := 0
	ctx := context.Background()

	all, next, err := Paginate(ctx, 0, "", src.fetch(&calls), ident)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(all) != 2050 || next != "" {
		t.Fatalf("expected all 2050 with no cursor, got %d %q", len(all), next)
	}
	if calls != 3 {
		t.Fatalf("expected 3 fetches under the ceiling, got %d", calls)
	}

	seen := map[string]bool{}
	token := ""
	pages := 0
	for {
		page, nxt, err := Paginate(ctx, 1000, token, src.fetch(&calls), ident)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, k := range page {
			if seen[k] {
				t.Fatalf("duplicate %s", k)
			}
			seen[k] = true
		}
		pages++
		if nxt == "" {
			break
		}
		token = nxt
	}
	if len(seen) != 2050 || pages != 3 {
		t.Fatalf("expected 2050 over 3 pages, got %d over %d", len(seen), pages)
	}
}

func TestPaginateAcceptsSkipCursor(t *testing.T) {
	src := newSource(10)
	calls := 0
	page, next, err := Paginate(context.Background(), 3, cursor.FromSkip(4).Encode(), src.fetch(&calls), ident)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(page) != 3 || page[0] != "000004" {
		t.Fatalf("unexpected page %v", page)
	}
	c, err := cursor.Decode(next)
	if err != nil || c.Kind != cursor.KindKey || c.Key != "000006" {
		t.Fatalf("unexpected next cursor %+v %v", c, err)
	}
}

func TestPaginateRejectsBadCursor(t *testing.T) {
	calls := 0
	_, _, err := Paginate(context.Background(), 3, "garbage!", newSource(1).fetch(&calls), ident)
	if !errors.Is(err, cursor.ErrInvalid) {
		t.Fatalf("expected cursor.ErrInvalid, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("fetch should not run")
	}
}
