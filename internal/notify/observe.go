package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"notification-engine/internal/models"
	"notification-engine/internal/telemetry"
)

// Observed wraps a Store with structured logging and Prometheus counters.
type Observed struct {
	next Store
	log  *zap.Logger
}

// Observe decorates s. A nil logger disables logging.
func Observe(s Store, log *zap.Logger) *Observed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observed{next: s, log: log}
}

func (o *Observed) done(op string, start time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Duration("took", time.Since(start)))
	if err != nil {
		telemetry.StoreErrors.WithLabelValues(op).Inc()
		o.log.Error("store operation failed", append(fields, zap.Error(err))...)
		return
	}
	o.log.Debug("store operation", fields...)
}

func (o *Observed) PushTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	start := time.Now()
	out, err := o.next.PushTasks(ctx, tasks)
	if err == nil {
		telemetry.TasksEnqueued.Add(float64(len(out)))
	}
	o.done("push_tasks", start, err, zap.Int("tasks", len(tasks)))
	return out, err
}

func (o *Observed) PopTasks(ctx context.Context, limit int, until int64) ([]models.Task, error) {
	start := time.Now()
	out, err := o.next.PopTasks(ctx, limit, until)
	if err == nil {
		telemetry.TasksClaimed.Add(float64(len(out)))
	}
	o.done("pop_tasks", start, err, zap.Int("limit", limit), zap.Int("claimed", len(out)))
	return out, err
}

func (o *Observed) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	start := time.Now()
	out, err := o.next.UpdateTask(ctx, id, patch)
	o.done("update_task", start, err, zap.String("task_id", id), zap.Bool("found", out != nil))
	return out, err
}

func (o *Observed) UpdateTasksByWatermark(ctx context.Context, senderID, pageID string, watermark int64, event models.TaskEvent, ts int64) ([]models.Task, error) {
	start := time.Now()
	out, err := o.next.UpdateTasksByWatermark(ctx, senderID, pageID, watermark, event, ts)
	if err == nil {
		telemetry.TaskOutcomes.WithLabelValues(string(event)).Add(float64(len(out)))
	}
	o.done("update_tasks_by_watermark", start, err,
		zap.String("sender_id", senderID), zap.String("page_id", pageID),
		zap.String("event", string(event)), zap.Int("updated", len(out)))
	return out, err
}

func (o *Observed) GetSentTask(ctx context.Context, pageID, senderID, campaignID string) (*models.Task, error) {
	start := time.Now()
	out, err := o.next.GetSentTask(ctx, pageID, senderID, campaignID)
	o.done("get_sent_task", start, err, zap.String("campaign_id", campaignID))
	return out, err
}

func (o *Observed) GetSentCampaignIDs(ctx context.Context, pageID, senderID string, candidates []string) ([]string, error) {
	start := time.Now()
	out, err := o.next.GetSentCampaignIDs(ctx, pageID, senderID, candidates)
	o.done("get_sent_campaign_ids", start, err, zap.Int("candidates", len(candidates)))
	return out, err
}

func (o *Observed) GetUnsuccessfulSubscribersByCampaign(ctx context.Context, campaignID string, sentWithoutReaction bool, pageID string) ([]models.Target, error) {
	start := time.Now()
	out, err := o.next.GetUnsuccessfulSubscribersByCampaign(ctx, campaignID, sentWithoutReaction, pageID)
	o.done("get_unsuccessful_subscribers", start, err, zap.String("campaign_id", campaignID), zap.Int("targets", len(out)))
	return out, err
}

func (o *Observed) UpsertCampaign(ctx context.Context, c models.Campaign, patch *models.CampaignPatch) (models.Campaign, error) {
	start := time.Now()
	out, err := o.next.UpsertCampaign(ctx, c, patch)
	o.done("upsert_campaign", start, err, zap.String("campaign_id", out.ID))
	return out, err
}

func (o *Observed) UpdateCampaign(ctx context.Context, id string, patch models.CampaignPatch) (*models.Campaign, error) {
	start := time.Now()
	out, err := o.next.UpdateCampaign(ctx, id, patch)
	o.done("update_campaign", start, err, zap.String("campaign_id", id))
	return out, err
}

func (o *Observed) RemoveCampaign(ctx context.Context, id string) error {
	start := time.Now()
	err := o.next.RemoveCampaign(ctx, id)
	o.done("remove_campaign", start, err, zap.String("campaign_id", id))
	return err
}

func (o *Observed) PopCampaign(ctx context.Context, now int64) (*models.Campaign, error) {
	start := time.Now()
	out, err := o.next.PopCampaign(ctx, now)
	if err == nil && out != nil {
		telemetry.CampaignsClaimed.Inc()
		o.log.Info("campaign claimed", zap.String("campaign_id", out.ID), zap.String("name", out.Name))
	}
	o.done("pop_campaign", start, err)
	return out, err
}

func (o *Observed) IncrementCampaign(ctx context.Context, id string, counters models.CampaignCounters) error {
	start := time.Now()
	err := o.next.IncrementCampaign(ctx, id, counters)
	o.done("increment_campaign", start, err, zap.String("campaign_id", id))
	return err
}

func (o *Observed) GetCampaignByID(ctx context.Context, id string) (*models.Campaign, error) {
	start := time.Now()
	out, err := o.next.GetCampaignByID(ctx, id)
	o.done("get_campaign", start, err, zap.String("campaign_id", id))
	return out, err
}

func (o *Observed) GetCampaignsByIDs(ctx context.Context, ids []string) ([]models.Campaign, error) {
	start := time.Now()
	out, err := o.next.GetCampaignsByIDs(ctx, ids)
	o.done("get_campaigns_by_ids", start, err, zap.Int("ids", len(ids)))
	return out, err
}

func (o *Observed) GetCampaigns(ctx context.Context, filter models.CampaignFilter, limit int, cursor string) (models.CampaignPage, error) {
	start := time.Now()
	out, err := o.next.GetCampaigns(ctx, filter, limit, cursor)
	o.done("get_campaigns", start, err, zap.Int("limit", limit), zap.Int("returned", len(out.Data)))
	return out, err
}

func (o *Observed) Subscribe(ctx context.Context, senderID, pageID, tag string) error {
	start := time.Now()
	err := o.next.Subscribe(ctx, senderID, pageID, tag)
	if err == nil {
		telemetry.SubscriptionChanges.WithLabelValues("subscribe").Inc()
	}
	o.done("subscribe", start, err, zap.String("page_id", pageID), zap.String("tag", tag))
	return err
}

func (o *Observed) Unsubscribe(ctx context.Context, senderID, pageID, tag string) ([]string, error) {
	start := time.Now()
	out, err := o.next.Unsubscribe(ctx, senderID, pageID, tag)
	if err == nil && len(out) > 0 {
		telemetry.SubscriptionChanges.WithLabelValues("unsubscribe").Inc()
	}
	o.done("unsubscribe", start, err, zap.String("page_id", pageID), zap.Strings("removed", out))
	return out, err
}

func (o *Observed) GetSubscriptionsCount(ctx context.Context, include, exclude []string, pageID string) (int64, error) {
	start := time.Now()
	out, err := o.next.GetSubscriptionsCount(ctx, include, exclude, pageID)
	o.done("get_subscriptions_count", start, err, zap.Int64("count", out))
	return out, err
}

func (o *Observed) GetSubscriptions(ctx context.Context, include, exclude []string, limit int, pageID, cursor string) (models.TargetPage, error) {
	start := time.Now()
	out, err := o.next.GetSubscriptions(ctx, include, exclude, limit, pageID, cursor)
	o.done("get_subscriptions", start, err, zap.Int("limit", limit), zap.Int("returned", len(out.Data)))
	return out, err
}

func (o *Observed) GetSenderSubscriptions(ctx context.Context, senderID, pageID string) ([]string, error) {
	start := time.Now()
	out, err := o.next.GetSenderSubscriptions(ctx, senderID, pageID)
	o.done("get_sender_subscriptions", start, err, zap.String("page_id", pageID))
	return out, err
}

func (o *Observed) GetTags(ctx context.Context, pageID string) ([]models.TagStat, error) {
	start := time.Now()
	out, err := o.next.GetTags(ctx, pageID)
	o.done("get_tags", start, err, zap.Int("tags", len(out)))
	return out, err
}

func (o *Observed) Close(ctx context.Context) error {
	return o.next.Close(ctx)
}
