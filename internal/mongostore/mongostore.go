// Package mongostore implements the notification engine on MongoDB using
// single-document atomic updates only.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"notification-engine/internal/cursor"
	"notification-engine/internal/notify"
)

// Store holds the three notification collections of one database.
type Store struct {
	client        *mongo.Client
	tasks         *mongo.Collection
	campaigns     *mongo.Collection
	subscriptions *mongo.Collection
}

var _ notify.Store = (*Store)(nil)

// Connect dials uri and opens the store on database db.
func Connect(ctx context.Context, uri, db, prefix string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return New(client, client.Database(db), prefix), nil
}

// New opens the store on an existing database handle. Collection names are
// prefixed with prefix.
func New(client *mongo.Client, db *mongo.Database, prefix string) *Store {
	return &Store{
		client:        client,
		tasks:         db.Collection(prefix + "notification-tasks"),
		campaigns:     db.Collection(prefix + "notification-campaigns"),
		subscriptions: db.Collection(prefix + "notification-subscriptions"),
	}
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func index(keys bson.D, name string, unique bool) mongo.IndexModel {
	opts := options.Index().SetName(name)
	if unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: keys, Options: opts}
}

// EnsureIndexes creates the indexes the queries rely on. Existing indexes
// with the same definition are left alone.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	sets := []struct {
		coll    *mongo.Collection
		indexes []mongo.IndexModel
	}{
		{s.tasks, []mongo.IndexModel{
			index(bson.D{{Key: "pageId", Value: 1}, {Key: "senderId", Value: 1}, {Key: "campaignId", Value: 1}, {Key: "sent", Value: -1}}, "unique_task", true),
			index(bson.D{{Key: "enqueue", Value: 1}}, "enqueue", false),
			index(bson.D{{Key: "pageId", Value: 1}, {Key: "senderId", Value: 1}, {Key: "sent", Value: -1}, {Key: "read", Value: 1}}, "search_by_read", false),
			index(bson.D{{Key: "pageId", Value: 1}, {Key: "senderId", Value: 1}, {Key: "sent", Value: -1}, {Key: "delivery", Value: 1}}, "search_by_delivery", false),
			index(bson.D{{Key: "campaignId", Value: 1}, {Key: "leaved", Value: -1}, {Key: "reaction", Value: -1}}, "search_left_or_reacted", false),
		}},
		{s.subscriptions, []mongo.IndexModel{
			index(bson.D{{Key: "pageId", Value: 1}, {Key: "senderId", Value: 1}}, "subscriber", true),
			index(bson.D{{Key: "subs", Value: 1}, {Key: "pageId", Value: 1}}, "subs", false),
		}},
		{s.campaigns, []mongo.IndexModel{
			index(bson.D{{Key: "id", Value: 1}}, "identifier", true),
			index(bson.D{{Key: "active", Value: -1}, {Key: "startAt", Value: -1}}, "startAt", false),
		}},
	}
	for _, set := range sets {
		if _, err := set.coll.Indexes().CreateMany(ctx, set.indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", set.coll.Name(), err)
		}
	}
	return nil
}

// wrap maps duplicate key errors to notify.ErrConflict.
func wrap(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, notify.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// docID accepts both ObjectID hex ids and plain string ids.
func docID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func idString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

func afterID(after string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(after)
	if err != nil {
		return oid, fmt.Errorf("%w: %v", cursor.ErrInvalid, err)
	}
	return oid, nil
}

func notFound(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
