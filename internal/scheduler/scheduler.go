// Package scheduler turns due campaigns into queued notification tasks.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"notification-engine/internal/config"
	"notification-engine/internal/models"
	"notification-engine/internal/notify"
)

// Scheduler claims due campaigns, resolves their audience and enqueues one
// task per recipient. Several schedulers may share a store; the campaign
// claim guarantees each trigger is handled once.
type Scheduler struct {
	store          notify.Store
	log            *zap.Logger
	interval       time.Duration
	batchSize      int
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
}

func New(st notify.Store, cfg config.Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:          st,
		log:            log,
		interval:       cfg.SchedulerInterval,
		batchSize:      cfg.SchedulerBatchSize,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		now:            time.Now,
	}
}

// Run ticks until ctx is cancelled. Failed ticks are retried after an
// exponential backoff with jitter.
func (s *Scheduler) Run(ctx context.Context) error {
	failures := 0
	wait := s.interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		n, err := s.Tick(ctx)
		if err != nil {
			failures++
			wait = backoffWithJitter(s.backoffInitial, s.backoffMax, failures)
			s.log.Error("scheduler tick failed", zap.Error(err), zap.Int("failures", failures), zap.Duration("retry_in", wait))
			continue
		}
		failures = 0
		wait = s.interval
		if n > 0 {
			s.log.Info("campaigns dispatched", zap.Int("campaigns", n))
		}
	}
}

// Tick dispatches every campaign due now and returns how many were handled.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		now := s.now().UnixMilli()
		c, err := s.store.PopCampaign(ctx, now)
		if err != nil {
			return handled, err
		}
		if c == nil {
			return handled, nil
		}
		// arm the next slide before dispatching so a crash mid-dispatch
		// cannot leave a sliding campaign without a trigger
		if err := s.rearm(ctx, *c, now); err != nil {
			s.restore(ctx, *c)
			return handled, fmt.Errorf("rearm campaign %s: %w", c.ID, err)
		}
		queued, err := s.Dispatch(ctx, *c, now)
		if err != nil {
			s.restore(ctx, *c)
			return handled, fmt.Errorf("dispatch campaign %s: %w", c.ID, err)
		}
		s.log.Info("campaign dispatched", zap.String("campaign_id", c.ID), zap.Int("queued", queued))
		handled++
	}
}

// Dispatch enqueues a task due at now for every subscriber matching c and
// counts them in the campaign's queued stat. It returns the number queued.
func (s *Scheduler) Dispatch(ctx context.Context, c models.Campaign, now int64) (int, error) {
	total := 0
	token := ""
	for {
		page, err := s.store.GetSubscriptions(ctx, c.Include, c.Exclude, s.batchSize, "", token)
		if err != nil {
			return total, err
		}
		if len(page.Data) > 0 {
			tasks := make([]models.Task, len(page.Data))
			for i, r := range page.Data {
				tasks[i] = models.Task{
					CampaignID: c.ID,
					SenderID:   r.SenderID,
					PageID:     r.PageID,
					Enqueue:    now,
					Payload:    taskPayload(c),
				}
			}
			if _, err := s.store.PushTasks(ctx, tasks); err != nil {
				return total, err
			}
			if err := s.store.IncrementCampaign(ctx, c.ID, models.CampaignCounters{Queued: int64(len(tasks))}); err != nil {
				return total, err
			}
			total += len(tasks)
		}
		if page.Cursor == "" {
			return total, nil
		}
		token = page.Cursor
	}
}

func taskPayload(c models.Campaign) map[string]any {
	p := map[string]any{"action": c.Action}
	if c.In24HourWindow {
		p["in24hourWindow"] = true
	}
	if len(c.Data) > 0 {
		p["data"] = c.Data
	}
	return p
}

// rearm schedules the next run of a sliding campaign one slide after the
// claimed trigger, skipping slides already in the past.
func (s *Scheduler) rearm(ctx context.Context, c models.Campaign, now int64) error {
	if !c.Sliding || c.Slide <= 0 || c.StartAt == nil {
		return nil
	}
	next := *c.StartAt + c.Slide
	if next <= now {
		missed := (now-next)/c.Slide + 1
		next += missed * c.Slide
	}
	_, err := s.store.UpdateCampaign(ctx, c.ID, models.CampaignPatch{
		StartAt:    &next,
		SlideRound: models.Int64(c.SlideRound + 1),
	})
	return err
}

// restore puts back the trigger claimed by PopCampaign so the next tick
// retries it. Tasks already pushed for it are merged by the task upsert.
func (s *Scheduler) restore(ctx context.Context, c models.Campaign) {
	if c.StartAt == nil {
		return
	}
	_, err := s.store.UpdateCampaign(context.WithoutCancel(ctx), c.ID, models.CampaignPatch{
		StartAt:    c.StartAt,
		SlideRound: models.Int64(c.SlideRound),
	})
	if err != nil {
		s.log.Error("restore campaign trigger failed", zap.String("campaign_id", c.ID), zap.Error(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
