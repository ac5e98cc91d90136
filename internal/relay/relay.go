// Package relay feeds due tasks from the store to a message broker for
// dispatchers that consume a queue instead of polling the API.
package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"notification-engine/internal/config"
	"notification-engine/internal/models"
	"notification-engine/internal/notify"
	"notification-engine/internal/telemetry"
)

// Publisher hands one claimed task to the broker.
type Publisher interface {
	Publish(ctx context.Context, task models.Task) error
}

// Relay pops due tasks and publishes them. A task whose publish fails is
// pushed back due again after retryDelay.
type Relay struct {
	store      notify.Store
	pub        Publisher
	log        *zap.Logger
	interval   time.Duration
	batchSize  int
	retryDelay time.Duration
	now        func() time.Time
}

func New(st notify.Store, pub Publisher, cfg config.Config, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		store:      st,
		pub:        pub,
		log:        log,
		interval:   cfg.RelayInterval,
		batchSize:  cfg.RelayBatchSize,
		retryDelay: cfg.RelayRetryDelay,
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (r *Relay) Run(ctx context.Context) error {
	wait := r.interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		n, err := r.Tick(ctx)
		switch {
		case err != nil:
			r.log.Error("relay tick failed", zap.Error(err))
			wait = r.interval
		case n == r.batchSize:
			wait = 0
		default:
			wait = r.interval
		}
	}
}

// Tick claims one batch and returns how many tasks were claimed. Tasks left
// unpublished when ctx is cancelled are pushed back due immediately.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	tasks, err := r.store.PopTasks(ctx, r.batchSize, r.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	var failed []models.Task
	for i, t := range tasks {
		if ctx.Err() != nil {
			now := r.now().UnixMilli()
			for _, rest := range tasks[i:] {
				failed = append(failed, retryTask(rest, now))
			}
			break
		}
		if err := r.pub.Publish(ctx, t); err != nil {
			r.log.Warn("publish failed", zap.String("task_id", t.ID), zap.Error(err))
			failed = append(failed, retryTask(t, r.now().Add(r.retryDelay).UnixMilli()))
			continue
		}
		telemetry.RelayPublished.Inc()
	}
	if len(failed) > 0 {
		// claimed tasks stay at MaxTS unless this push lands
		if _, err := r.store.PushTasks(context.WithoutCancel(ctx), failed); err != nil {
			return len(tasks), err
		}
		telemetry.RelayRequeued.Add(float64(len(failed)))
	}
	return len(tasks), nil
}

// retryTask is the enqueue that makes a claimed task due again at enqueue.
func retryTask(t models.Task, enqueue int64) models.Task {
	return models.Task{
		CampaignID: t.CampaignID,
		SenderID:   t.SenderID,
		PageID:     t.PageID,
		Sent:       t.Sent,
		Enqueue:    enqueue,
	}
}
