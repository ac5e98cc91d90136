package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

type campaignDoc struct {
	OID            primitive.ObjectID `bson:"_id,omitempty"`
	ID             string             `bson:"id"`
	Name           string             `bson:"name"`
	Include        []string           `bson:"include"`
	Exclude        []string           `bson:"exclude"`
	Action         string             `bson:"action"`
	Data           map[string]any     `bson:"data"`
	Active         bool               `bson:"active"`
	In24HourWindow bool               `bson:"in24hourWindow"`
	StartAt        *int64             `bson:"startAt"`
	Sliding        bool               `bson:"sliding"`
	Slide          int64              `bson:"slide"`
	SlideRound     int64              `bson:"slideRound"`
	Sent           int64              `bson:"sent"`
	Succeeded      int64              `bson:"succeeded"`
	Failed         int64              `bson:"failed"`
	Unsubscribed   int64              `bson:"unsubscribed"`
	Delivery       int64              `bson:"delivery"`
	Read           int64              `bson:"read"`
	NotSent        int64              `bson:"notSent"`
	Leaved         int64              `bson:"leaved"`
	Queued         int64              `bson:"queued"`
}

func (d campaignDoc) model() models.Campaign {
	return models.Campaign{
		ID: d.ID, Name: d.Name, Include: nonNil(d.Include), Exclude: nonNil(d.Exclude),
		Action: d.Action, Data: d.Data, Active: d.Active, In24HourWindow: d.In24HourWindow,
		StartAt: d.StartAt, Sliding: d.Sliding, Slide: d.Slide, SlideRound: d.SlideRound,
		CampaignStats: models.CampaignStats{
			Sent: d.Sent, Succeeded: d.Succeeded, Failed: d.Failed, Unsubscribed: d.Unsubscribed,
			Delivery: d.Delivery, Read: d.Read, NotSent: d.NotSent, Leaved: d.Leaved, Queued: d.Queued,
		},
	}
}

func campaignFields(c models.Campaign) bson.M {
	return bson.M{
		"name": c.Name, "include": nonNil(c.Include), "exclude": nonNil(c.Exclude),
		"action": c.Action, "data": c.Data, "active": c.Active, "in24hourWindow": c.In24HourWindow,
		"startAt": c.StartAt, "sliding": c.Sliding, "slide": c.Slide, "slideRound": c.SlideRound,
		"sent": c.Sent, "succeeded": c.Succeeded, "failed": c.Failed, "unsubscribed": c.Unsubscribed,
		"delivery": c.Delivery, "read": c.Read, "notSent": c.NotSent, "leaved": c.Leaved, "queued": c.Queued,
	}
}

// patchFields returns the $set document of a patch.
func patchFields(p models.CampaignPatch) bson.M {
	set := bson.M{}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	if p.Include != nil {
		set["include"] = nonNil(*p.Include)
	}
	if p.Exclude != nil {
		set["exclude"] = nonNil(*p.Exclude)
	}
	if p.Action != nil {
		set["action"] = *p.Action
	}
	if p.Data != nil {
		set["data"] = *p.Data
	}
	if p.Active != nil {
		set["active"] = *p.Active
	}
	if p.In24HourWindow != nil {
		set["in24hourWindow"] = *p.In24HourWindow
	}
	if p.Sliding != nil {
		set["sliding"] = *p.Sliding
	}
	if p.Slide != nil {
		set["slide"] = *p.Slide
	}
	if p.SlideRound != nil {
		set["slideRound"] = *p.SlideRound
	}
	if p.ClearStartAt {
		set["startAt"] = nil
	} else if p.StartAt != nil {
		set["startAt"] = *p.StartAt
	}
	return set
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// UpsertCampaign inserts c with the patch applied, or applies only the patch
// when a campaign with c.ID exists.
func (s *Store) UpsertCampaign(ctx context.Context, c models.Campaign, patch *models.CampaignPatch) (models.Campaign, error) {
	var p models.CampaignPatch
	if patch != nil {
		p = *patch
	}

	if c.ID == "" {
		oid := primitive.NewObjectID()
		c.ID = oid.Hex()
		p.Apply(&c)
		doc := campaignFields(c)
		doc["_id"] = oid
		doc["id"] = c.ID
		if _, err := s.campaigns.InsertOne(ctx, doc); err != nil {
			return models.Campaign{}, wrap("insert campaign", err)
		}
		c.Include, c.Exclude = nonNil(c.Include), nonNil(c.Exclude)
		return c, nil
	}

	set := patchFields(p)
	onInsert := campaignFields(c)
	for k := range set {
		delete(onInsert, k)
	}
	update := bson.M{"$setOnInsert": onInsert}
	if len(set) > 0 {
		update["$set"] = set
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc campaignDoc
	err := s.campaigns.FindOneAndUpdate(ctx, bson.M{"id": c.ID}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// lost an insert race; the retry takes the update path
		err = s.campaigns.FindOneAndUpdate(ctx, bson.M{"id": c.ID}, update, opts).Decode(&doc)
	}
	if err != nil {
		return models.Campaign{}, wrap("upsert campaign", err)
	}
	return doc.model(), nil
}

func (s *Store) UpdateCampaign(ctx context.Context, id string, patch models.CampaignPatch) (*models.Campaign, error) {
	var doc campaignDoc
	var err error
	if set := patchFields(patch); len(set) == 0 {
		err = s.campaigns.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	} else {
		err = s.campaigns.FindOneAndUpdate(ctx, bson.M{"id": id}, bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	}
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update campaign", err)
	}
	c := doc.model()
	return &c, nil
}

func (s *Store) RemoveCampaign(ctx context.Context, id string) error {
	if _, err := s.campaigns.DeleteOne(ctx, bson.M{"id": id}); err != nil {
		return wrap("remove campaign", err)
	}
	return nil
}

// PopCampaign claims one due active campaign by clearing its startAt and
// returns it as it was before the claim.
func (s *Store) PopCampaign(ctx context.Context, now int64) (*models.Campaign, error) {
	var doc campaignDoc
	err := s.campaigns.FindOneAndUpdate(ctx,
		bson.M{"startAt": bson.M{"$ne": nil, "$lte": now}, "active": true},
		bson.M{"$set": bson.M{"startAt": nil}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&doc)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("pop campaign", err)
	}
	c := doc.model()
	return &c, nil
}

func (s *Store) IncrementCampaign(ctx context.Context, id string, counters models.CampaignCounters) error {
	fields := counters.Fields()
	if len(fields) == 0 {
		return nil
	}
	inc := bson.M{}
	for k, v := range fields {
		inc[k] = v
	}
	if _, err := s.campaigns.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$inc": inc}); err != nil {
		return wrap("increment campaign", err)
	}
	return nil
}

func (s *Store) GetCampaignByID(ctx context.Context, id string) (*models.Campaign, error) {
	var doc campaignDoc
	err := s.campaigns.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get campaign", err)
	}
	c := doc.model()
	return &c, nil
}

func (s *Store) GetCampaignsByIDs(ctx context.Context, ids []string) ([]models.Campaign, error) {
	if len(ids) == 0 {
		return []models.Campaign{}, nil
	}
	cur, err := s.campaigns.Find(ctx, bson.M{"id": bson.M{"$in": ids}})
	if err != nil {
		return nil, wrap("get campaigns by ids", err)
	}
	var docs []campaignDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("get campaigns by ids", err)
	}
	out := make([]models.Campaign, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

// GetCampaigns pages campaigns newest first.
func (s *Store) GetCampaigns(ctx context.Context, filter models.CampaignFilter, limit int, token string) (models.CampaignPage, error) {
	base := bson.M{}
	if filter.Active != nil {
		base["active"] = *filter.Active
	}
	if filter.Sliding != nil {
		base["sliding"] = *filter.Sliding
	}
	fetch := func(ctx context.Context, after string, skip int64, size int) ([]campaignDoc, error) {
		q := bson.M{}
		for k, v := range base {
			q[k] = v
		}
		if after != "" {
			oid, err := afterID(after)
			if err != nil {
				return nil, err
			}
			q["_id"] = bson.M{"$lt": oid}
		}
		cur, err := s.campaigns.Find(ctx, q, options.Find().
			SetSort(bson.D{{Key: "_id", Value: -1}}).
			SetSkip(skip).
			SetLimit(int64(size)))
		if err != nil {
			return nil, err
		}
		var docs []campaignDoc
		if err := cur.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	docs, next, err := notify.Paginate(ctx, limit, token, fetch, func(d campaignDoc) string { return d.OID.Hex() })
	if err != nil {
		return models.CampaignPage{}, fmt.Errorf("get campaigns: %w", err)
	}
	page := models.CampaignPage{Data: make([]models.Campaign, len(docs)), Cursor: next}
	for i, d := range docs {
		page.Data[i] = d.model()
	}
	return page, nil
}
