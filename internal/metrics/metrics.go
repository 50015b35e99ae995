package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_local_users",
		Help: "Users with a live connection on this instance",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Messages persisted, by delivery path",
	}, []string{"path"})

	DeliveryJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_jobs_total",
		Help: "Queue jobs handled by the delivery consumer, by outcome",
	}, []string{"outcome"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_job_duration_seconds",
		Help:    "Time spent processing one queue job",
		Buckets: prometheus.DefBuckets,
	})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Scheduler task runs, by task and result",
	}, []string{"task", "result"})

	DraftsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auto_messages_drafted_total",
		Help: "Auto-message drafts written by the planner",
	})

	DraftsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auto_messages_admitted_total",
		Help: "Auto-message drafts published to the delivery queue",
	})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_publish_failures_total",
		Help: "Failed publishes to the delivery queue",
	})

	PushRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_push_relayed_total",
		Help: "Pushes relayed to another instance",
	})
)

// Handler exposes the default registry for scraping.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
