package mongostore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
	"notification-engine/internal/notify/notifytest"
)

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("NOTIFY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("NOTIFY_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })
	db := client.Database("notify_test")

	n := 0
	notifytest.Run(t, func(t *testing.T) notify.Store {
		n++
		prefix := fmt.Sprintf("t%d_%d-", time.Now().UnixNano(), n)
		// the client is shared; Close must not disconnect it
		s := New(nil, db, prefix)
		if err := s.EnsureIndexes(ctx); err != nil {
			t.Fatalf("indexes: %v", err)
		}
		t.Cleanup(func() {
			for _, c := range []*mongo.Collection{s.tasks, s.campaigns, s.subscriptions} {
				_ = c.Drop(ctx)
			}
		})
		return s
	})
}

func TestWrapMapsDuplicateKey(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}
	if err := wrap("update task", dup); !errors.Is(err, notify.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := wrap("update task", errors.New("boom")); errors.Is(err, notify.ErrConflict) {
		t.Fatalf("plain errors are not conflicts")
	}
}

func TestDocIDAcceptsBothForms(t *testing.T) {
	if _, ok := docID("65a000000000000000000001").(string); ok {
		t.Fatalf("hex id should become an ObjectID")
	}
	if v, ok := docID("task-1").(string); !ok || v != "task-1" {
		t.Fatalf("plain id should stay a string, got %v", v)
	}
}

func TestPatchFieldsClearStartAtWins(t *testing.T) {
	set := patchFields(models.CampaignPatch{StartAt: models.Int64(5), ClearStartAt: true, Name: models.String("n")})
	if v, ok := set["startAt"]; !ok || v != nil {
		t.Fatalf("expected startAt cleared, got %v", set["startAt"])
	}
	if set["name"] != "n" {
		t.Fatalf("expected name in patch, got %v", set["name"])
	}
	if len(patchFields(models.CampaignPatch{})) != 0 {
		t.Fatalf("empty patch should set nothing")
	}
}

func TestAudienceFilter(t *testing.T) {
	q := audience([]string{"a"}, []string{"b"}, "p")
	if q["pageId"] != "p" {
		t.Fatalf("expected page filter, got %v", q)
	}
	if len(audience(nil, nil, "")) != 0 {
		t.Fatalf("empty audience should match everything")
	}
}
