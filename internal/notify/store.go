// Package notify defines the campaign and task queue engine contract shared by
// every storage adapter.
package notify

import (
	"context"

	"notification-engine/internal/models"
)

// DefaultPageLimit is the largest page a single store query may return.
// Range scans that need more loop with a cursor or skip.
const DefaultPageLimit = 999

// TaskQueue is the idempotent, claim-once task queue.
type TaskQueue interface {
	// PushTasks upserts every task by (campaignId, senderId, pageId, sent).
	PushTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error)
	// PopTasks claims up to limit due tasks in enqueue order and returns their
	// snapshots as they were before the claim. until <= 0 means now.
	PopTasks(ctx context.Context, limit int, until int64) ([]models.Task, error)
	// UpdateTask applies a partial update and returns the post-image, or nil
	// when no task has the id.
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)
	// UpdateTasksByWatermark stamps event on the recipient's tasks sent at or
	// before watermark whose event is still unset.
	UpdateTasksByWatermark(ctx context.Context, senderID, pageID string, watermark int64, event models.TaskEvent, ts int64) ([]models.Task, error)
	GetSentTask(ctx context.Context, pageID, senderID, campaignID string) (*models.Task, error)
	GetSentCampaignIDs(ctx context.Context, pageID, senderID string, candidates []string) ([]string, error)
	GetUnsuccessfulSubscribersByCampaign(ctx context.Context, campaignID string, sentWithoutReaction bool, pageID string) ([]models.Target, error)
}

// CampaignStore persists campaigns and their triggers.
type CampaignStore interface {
	UpsertCampaign(ctx context.Context, c models.Campaign, patch *models.CampaignPatch) (models.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, patch models.CampaignPatch) (*models.Campaign, error)
	RemoveCampaign(ctx context.Context, id string) error
	// PopCampaign claims one active campaign whose trigger is due and returns
	// it as it was before the trigger was cleared.
	PopCampaign(ctx context.Context, now int64) (*models.Campaign, error)
	IncrementCampaign(ctx context.Context, id string, counters models.CampaignCounters) error
	GetCampaignByID(ctx context.Context, id string) (*models.Campaign, error)
	GetCampaignsByIDs(ctx context.Context, ids []string) ([]models.Campaign, error)
	GetCampaigns(ctx context.Context, filter models.CampaignFilter, limit int, cursor string) (models.CampaignPage, error)
}

// SubscriptionStore keeps per-recipient tag sets.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, senderID, pageID, tag string) error
	// Unsubscribe removes tag, or the whole record when tag is empty, and
	// reports the tags that were actually removed.
	Unsubscribe(ctx context.Context, senderID, pageID, tag string) ([]string, error)
	GetSubscriptionsCount(ctx context.Context, include, exclude []string, pageID string) (int64, error)
	GetSubscriptions(ctx context.Context, include, exclude []string, limit int, pageID, cursor string) (models.TargetPage, error)
	GetSenderSubscriptions(ctx context.Context, senderID, pageID string) ([]string, error)
	GetTags(ctx context.Context, pageID string) ([]models.TagStat, error)
}

// Store is the full engine backed by one adapter.
type Store interface {
	TaskQueue
	CampaignStore
	SubscriptionStore
	Close(ctx context.Context) error
}
