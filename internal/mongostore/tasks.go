package mongostore

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

type taskDoc struct {
	ID         any            `bson:"_id"`
	CampaignID string         `bson:"campaignId"`
	SenderID   string         `bson:"senderId"`
	PageID     string         `bson:"pageId"`
	Enqueue    int64          `bson:"enqueue"`
	InsEnqueue int64          `bson:"insEnqueue"`
	Ups        int            `bson:"ups"`
	Sent       *int64         `bson:"sent"`
	Read       *int64         `bson:"read,omitempty"`
	Delivery   *int64         `bson:"delivery,omitempty"`
	Reaction   *bool          `bson:"reaction,omitempty"`
	Leaved     *int64         `bson:"leaved,omitempty"`
	Failed     *bool          `bson:"failed,omitempty"`
	Data       map[string]any `bson:"data,omitempty"`
}

func (d taskDoc) model() models.Task {
	return models.Task{
		ID: idString(d.ID), CampaignID: d.CampaignID, SenderID: d.SenderID, PageID: d.PageID,
		Enqueue: d.Enqueue, InsEnqueue: d.InsEnqueue, Ups: d.Ups,
		Sent: d.Sent, Read: d.Read, Delivery: d.Delivery, Reaction: d.Reaction,
		Leaved: d.Leaved, Failed: d.Failed, Payload: d.Data,
	}
}

func keyFilter(t models.Task) bson.D {
	return bson.D{
		{Key: "campaignId", Value: t.CampaignID},
		{Key: "senderId", Value: t.SenderID},
		{Key: "pageId", Value: t.PageID},
		{Key: "sent", Value: t.Sent},
	}
}

// taskSet returns the $set document of the optional task fields. Payload keys
// are set one by one so they merge into the stored payload.
func taskSet(enqueue, sent, read, delivery, leaved *int64, reaction, failed *bool, payload map[string]any) bson.D {
	var set bson.D
	add := func(k string, v any, ok bool) {
		if ok {
			set = append(set, bson.E{Key: k, Value: v})
		}
	}
	add("enqueue", enqueue, enqueue != nil)
	add("sent", sent, sent != nil)
	add("read", read, read != nil)
	add("delivery", delivery, delivery != nil)
	add("leaved", leaved, leaved != nil)
	add("reaction", reaction, reaction != nil)
	add("failed", failed, failed != nil)
	for k, v := range payload {
		set = append(set, bson.E{Key: "data." + k, Value: v})
	}
	return set
}

// PushTasks upserts every task in one ordered bulk write. A duplicate key
// raised by a concurrent insert of the same key is retried once from the
// failed item, which then takes the update path.
func (s *Store) PushTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	if err := notify.ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []models.Task{}, nil
	}

	writes := make([]mongo.WriteModel, len(tasks))
	for i, t := range tasks {
		set := taskSet(models.Int64(t.Enqueue), nil, t.Read, t.Delivery, t.Leaved, t.Reaction, t.Failed, t.Payload)
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(keyFilter(t)).
			SetUpdate(bson.D{
				{Key: "$set", Value: set},
				{Key: "$inc", Value: bson.D{{Key: "ups", Value: 1}}},
				{Key: "$min", Value: bson.D{{Key: "insEnqueue", Value: t.Enqueue}}},
			}).
			SetUpsert(true)
	}

	upserted := map[int]any{}
	start := 0
	for attempt := 0; ; attempt++ {
		res, err := s.tasks.BulkWrite(ctx, writes[start:], options.BulkWrite().SetOrdered(true))
		if res != nil {
			for i, id := range res.UpsertedIDs {
				upserted[start+int(i)] = id
			}
		}
		if err == nil {
			break
		}
		var bwe mongo.BulkWriteException
		if attempt > 0 || !mongo.IsDuplicateKeyError(err) || !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
			return nil, wrap("push tasks", err)
		}
		start += bwe.WriteErrors[0].Index
	}

	out := make([]models.Task, len(tasks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		if id, ok := upserted[i]; ok {
			t.ID = idString(id)
			t.InsEnqueue = t.Enqueue
			t.Ups = 1
			out[i] = t
			continue
		}
		i, t := i, t
		g.Go(func() error {
			var found taskDoc
			err := s.tasks.FindOne(gctx, keyFilter(t), options.FindOne().
				SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "insEnqueue", Value: 1}, {Key: "enqueue", Value: 1}, {Key: "ups", Value: 1}})).
				Decode(&found)
			if err != nil {
				return err
			}
			t.ID = idString(found.ID)
			t.InsEnqueue = found.InsEnqueue
			t.Ups = found.Ups
			t.Enqueue = notify.AdvanceTiedEnqueue(found.InsEnqueue, found.Enqueue, found.Ups)
			mu.Lock()
			out[i] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, wrap("refetch pushed tasks", err)
	}
	return out, nil
}

// PopTasks claims due tasks one findOneAndUpdate at a time and returns the
// documents as they were before the claim.
func (s *Store) PopTasks(ctx context.Context, limit int, until int64) ([]models.Task, error) {
	until = notify.Until(until)
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "enqueue", Value: 1}}).
		SetReturnDocument(options.Before)
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "enqueue", Value: models.MaxTS},
		{Key: "insEnqueue", Value: models.MaxTS},
		{Key: "ups", Value: 0},
	}}}

	out := []models.Task{}
	for len(out) < limit {
		var doc taskDoc
		err := s.tasks.FindOneAndUpdate(ctx, bson.D{{Key: "enqueue", Value: bson.D{{Key: "$lte", Value: until}}}}, update, opts).Decode(&doc)
		if notFound(err) {
			break
		}
		if err != nil {
			return nil, wrap("pop task", err)
		}
		out = append(out, doc.model())
	}
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	filter := bson.D{{Key: "_id", Value: docID(id)}}
	set := taskSet(patch.Enqueue, patch.Sent, patch.Read, patch.Delivery, patch.Leaved, patch.Reaction, patch.Failed, patch.Payload)

	var doc taskDoc
	var err error
	if len(set) == 0 {
		err = s.tasks.FindOne(ctx, filter).Decode(&doc)
	} else {
		err = s.tasks.FindOneAndUpdate(ctx, filter, bson.D{{Key: "$set", Value: set}},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	}
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update task", err)
	}
	t := doc.model()
	return &t, nil
}

// UpdateTasksByWatermark finds candidates, then writes each one with its own
// conditional update so a concurrent receipt is never overwritten.
func (s *Store) UpdateTasksByWatermark(ctx context.Context, senderID, pageID string, watermark int64, event models.TaskEvent, ts int64) ([]models.Task, error) {
	if err := notify.ValidateEvent(event); err != nil {
		return nil, err
	}
	field := string(event)
	cur, err := s.tasks.Find(ctx, bson.D{
		{Key: "senderId", Value: senderID},
		{Key: "pageId", Value: pageID},
		{Key: "sent", Value: bson.D{{Key: "$lte", Value: watermark}}},
		{Key: field, Value: nil},
	}, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrap("find watermark tasks", err)
	}
	var ids []struct {
		ID any `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return nil, wrap("find watermark tasks", err)
	}

	updated := make([]*models.Task, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, row := range ids {
		i, id := i, row.ID
		g.Go(func() error {
			var doc taskDoc
			err := s.tasks.FindOneAndUpdate(gctx,
				bson.D{{Key: "_id", Value: id}, {Key: field, Value: nil}},
				bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: ts}}}},
				options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
			if notFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			t := doc.model()
			updated[i] = &t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, wrap("update tasks by watermark", err)
	}

	out := make([]models.Task, 0, len(updated))
	for _, t := range updated {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) GetSentTask(ctx context.Context, pageID, senderID, campaignID string) (*models.Task, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.D{
		{Key: "pageId", Value: pageID},
		{Key: "senderId", Value: senderID},
		{Key: "campaignId", Value: campaignID},
		{Key: "sent", Value: bson.D{{Key: "$gte", Value: 1}}},
	}, options.FindOne().SetSort(bson.D{{Key: "sent", Value: -1}})).Decode(&doc)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get sent task", err)
	}
	t := doc.model()
	return &t, nil
}

// GetSentCampaignIDs uses distinct, falling back to a projected scan on
// servers that reject the command.
func (s *Store) GetSentCampaignIDs(ctx context.Context, pageID, senderID string, candidates []string) ([]string, error) {
	if candidates == nil {
		candidates = []string{}
	}
	filter := bson.D{
		{Key: "pageId", Value: pageID},
		{Key: "senderId", Value: senderID},
		{Key: "campaignId", Value: bson.D{{Key: "$in", Value: candidates}}},
		{Key: "sent", Value: bson.D{{Key: "$gte", Value: 1}}},
	}
	values, err := s.tasks.Distinct(ctx, "campaignId", filter)
	if err == nil {
		out := make([]string, 0, len(values))
		for _, v := range values {
			if id, ok := v.(string); ok {
				out = append(out, id)
			}
		}
		return out, nil
	}
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return nil, wrap("distinct sent campaigns", err)
	}

	cur, err := s.tasks.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "campaignId", Value: 1}, {Key: "_id", Value: 0}}))
	if err != nil {
		return nil, wrap("find sent campaigns", err)
	}
	var rows []struct {
		CampaignID string `bson:"campaignId"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrap("find sent campaigns", err)
	}
	seen := map[string]bool{}
	out := []string{}
	for _, r := range rows {
		if !seen[r.CampaignID] {
			seen[r.CampaignID] = true
			out = append(out, r.CampaignID)
		}
	}
	return out, nil
}

type targetDoc struct {
	ID       any    `bson:"_id"`
	SenderID string `bson:"senderId"`
	PageID   string `bson:"pageId"`
}

func targetKey(d targetDoc) string { return idString(d.ID) }

func (s *Store) GetUnsuccessfulSubscribersByCampaign(ctx context.Context, campaignID string, sentWithoutReaction bool, pageID string) ([]models.Target, error) {
	base := bson.D{{Key: "campaignId", Value: campaignID}}
	if pageID != "" {
		base = append(base, bson.E{Key: "pageId", Value: pageID})
	}
	if sentWithoutReaction {
		base = append(base, bson.E{Key: "leaved", Value: nil}, bson.E{Key: "reaction", Value: false})
	} else {
		base = append(base, bson.E{Key: "leaved", Value: bson.D{{Key: "$gt", Value: 0}}})
	}
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]targetDoc, error) {
		filter := base
		if after != "" {
			oid, err := afterID(after)
			if err != nil {
				return nil, err
			}
			filter = append(append(bson.D{}, base...), bson.E{Key: "_id", Value: bson.D{{Key: "$gt", Value: oid}}})
		}
		cur, err := s.tasks.Find(ctx, filter, options.Find().
			SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "senderId", Value: 1}, {Key: "pageId", Value: 1}}).
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetSkip(skip).
			SetLimit(int64(size)))
		if err != nil {
			return nil, err
		}
		var docs []targetDoc
		if err := cur.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	docs, err := notify.Drain(ctx, fetch, targetKey)
	if err != nil {
		return nil, wrap("get unsuccessful subscribers", err)
	}
	out := make([]models.Target, len(docs))
	for i, d := range docs {
		out[i] = models.Target{SenderID: d.SenderID, PageID: d.PageID}
	}
	return out, nil
}
