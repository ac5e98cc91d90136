package mongostore

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

type subscriptionDoc struct {
	OID      primitive.ObjectID `bson:"_id,omitempty"`
	PageID   string             `bson:"pageId"`
	SenderID string             `bson:"senderId"`
	Subs     []string           `bson:"subs"`
}

func recipient(senderID, pageID string) bson.M {
	return bson.M{"pageId": pageID, "senderId": senderID}
}

// audience matches records holding any include tag and no exclude tag.
func audience(include, exclude []string, pageID string) bson.M {
	q := bson.M{}
	subs := bson.M{}
	if len(include) > 0 {
		subs["$in"] = include
	}
	if len(exclude) > 0 {
		subs["$nin"] = exclude
	}
	if len(subs) > 0 {
		q["subs"] = subs
	}
	if pageID != "" {
		q["pageId"] = pageID
	}
	return q
}

func (s *Store) Subscribe(ctx context.Context, senderID, pageID, tag string) error {
	if tag == "" {
		return notify.ErrInvalidArgument
	}
	update := bson.M{"$addToSet": bson.M{"subs": tag}}
	opts := options.Update().SetUpsert(true)
	_, err := s.subscriptions.UpdateOne(ctx, recipient(senderID, pageID), update, opts)
	if mongo.IsDuplicateKeyError(err) {
		_, err = s.subscriptions.UpdateOne(ctx, recipient(senderID, pageID), update, opts)
	}
	if err != nil {
		return wrap("subscribe", err)
	}
	return nil
}

// Unsubscribe removes one tag, or the whole record when tag is empty. A record
// left without tags is deleted.
func (s *Store) Unsubscribe(ctx context.Context, senderID, pageID, tag string) ([]string, error) {
	removed := []string{}
	if tag == "" {
		var doc subscriptionDoc
		err := s.subscriptions.FindOneAndDelete(ctx, recipient(senderID, pageID)).Decode(&doc)
		if notFound(err) {
			return removed, nil
		}
		if err != nil {
			return nil, wrap("unsubscribe", err)
		}
		return append(removed, doc.Subs...), nil
	}

	filter := recipient(senderID, pageID)
	filter["subs"] = tag
	var doc subscriptionDoc
	err := s.subscriptions.FindOneAndUpdate(ctx, filter,
		bson.M{"$pull": bson.M{"subs": tag}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if notFound(err) {
		return removed, nil
	}
	if err != nil {
		return nil, wrap("unsubscribe", err)
	}
	removed = append(removed, tag)
	if len(doc.Subs) == 0 {
		empty := recipient(senderID, pageID)
		empty["subs"] = bson.M{"$size": 0}
		if _, err := s.subscriptions.DeleteOne(ctx, empty); err != nil {
			return nil, wrap("unsubscribe", err)
		}
	}
	return removed, nil
}

func (s *Store) GetSubscriptionsCount(ctx context.Context, include, exclude []string, pageID string) (int64, error) {
	n, err := s.subscriptions.CountDocuments(ctx, audience(include, exclude, pageID))
	if err != nil {
		return 0, wrap("count subscriptions", err)
	}
	return n, nil
}

// GetSubscriptions pages matching recipients in insertion order.
func (s *Store) GetSubscriptions(ctx context.Context, include, exclude []string, limit int, pageID, token string) (models.TargetPage, error) {
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]subscriptionDoc, error) {
		q := audience(include, exclude, pageID)
		if after != "" {
			oid, err := afterID(after)
			if err != nil {
				return nil, err
			}
			q["_id"] = bson.M{"$gt": oid}
		}
		cur, err := s.subscriptions.Find(ctx, q, options.Find().
			SetProjection(bson.M{"pageId": 1, "senderId": 1}).
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetSkip(skip).
			SetLimit(int64(size)))
		if err != nil {
			return nil, err
		}
		var docs []subscriptionDoc
		if err := cur.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	docs, next, err := notify.Paginate(ctx, limit, token, fetch, func(d subscriptionDoc) string { return d.OID.Hex() })
	if err != nil {
		return models.TargetPage{}, fmt.Errorf("get subscriptions: %w", err)
	}
	page := models.TargetPage{Data: make([]models.Target, len(docs)), Cursor: next}
	for i, d := range docs {
		page.Data[i] = models.Target{SenderID: d.SenderID, PageID: d.PageID}
	}
	return page, nil
}

func (s *Store) GetSenderSubscriptions(ctx context.Context, senderID, pageID string) ([]string, error) {
	var doc subscriptionDoc
	err := s.subscriptions.FindOne(ctx, recipient(senderID, pageID)).Decode(&doc)
	if notFound(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, wrap("get sender subscriptions", err)
	}
	tags := nonNil(doc.Subs)
	sort.Strings(tags)
	return tags, nil
}

// GetTags counts subscriptions per tag, most used first.
func (s *Store) GetTags(ctx context.Context, pageID string) ([]models.TagStat, error) {
	match := bson.M{}
	if pageID != "" {
		match["pageId"] = pageID
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$project", Value: bson.M{"subs": 1}}},
		{{Key: "$unwind", Value: "$subs"}},
		{{Key: "$group", Value: bson.M{"_id": "$subs", "count": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	cur, err := s.subscriptions.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrap("get tags", err)
	}
	var rows []struct {
		Tag   string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrap("get tags", err)
	}
	out := make([]models.TagStat, len(rows))
	for i, r := range rows {
		out[i] = models.TagStat{Tag: r.Tag, Subscriptions: r.Count}
	}
	return out, nil
}
