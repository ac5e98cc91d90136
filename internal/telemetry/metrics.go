package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_tasks_enqueued_total", Help: "Tasks written by bulk enqueue"})
	TasksClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_tasks_claimed_total", Help: "Tasks handed to the dispatcher"})
	TaskOutcomes        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_task_outcomes_total", Help: "Task receipts recorded by watermark"}, []string{"event"})
	CampaignsClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_campaigns_claimed_total", Help: "Campaign triggers claimed by schedulers"})
	SubscriptionChanges = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_subscription_changes_total", Help: "Subscribe and unsubscribe calls"}, []string{"op"})
	StoreErrors         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_store_errors_total", Help: "Store operations that returned an error"}, []string{"op"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	RelayPublished      = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_relay_published_total", Help: "Tasks published to the broker"})
	RelayRequeued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_relay_requeued_total", Help: "Tasks put back after a failed publish"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksClaimed,
			TaskOutcomes,
			CampaignsClaimed,
			SubscriptionChanges,
			StoreErrors,
			RateLimitRejects,
			RelayPublished,
			RelayRequeued,
		)
	})
}
