package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Proxy Pool

	ProxyPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phantom_proxy_pool_size",
		Help: "Current number of proxies in the pool by status",
	}, []string{"group", "status"})

	ProxyTestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "phantom_proxy_test_duration_seconds",
		Help:    "Duration of a single proxy health-check probe",
		Buckets: prometheus.DefBuckets,
	})

	ProxyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_proxy_rotations_total",
		Help: "Total number of GetProxy calls by rotation policy",
	}, []string{"policy"})

	// Monitor Engine

	MonitorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phantom_monitor_state",
		Help: "Current monitor state (1 = active in that state)",
	}, []string{"monitor", "state"})

	MonitorTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phantom_monitor_tick_duration_seconds",
		Help:    "Duration of a single monitor tick",
		Buckets: prometheus.DefBuckets,
	}, []string{"monitor"})

	MonitorEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_monitor_events_emitted_total",
		Help: "Total ProductEvents emitted by type",
	}, []string{"monitor", "event_type"})

	// Checkout Engine

	CheckoutStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phantom_checkout_step_duration_seconds",
		Help:    "Duration of a single checkout state-machine step",
		Buckets: prometheus.DefBuckets,
	}, []string{"site_type", "step"})

	CheckoutOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_checkout_outcomes_total",
		Help: "Total checkout attempts by terminal outcome",
	}, []string{"site_type", "outcome"})

	// Task Scheduler

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phantom_scheduler_queue_depth",
		Help: "Current number of tasks waiting for a concurrency slot",
	})

	SchedulerActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phantom_scheduler_active_tasks",
		Help: "Current number of tasks holding a concurrency slot",
	})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phantom_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_task_outcomes_total",
		Help: "Total tasks reaching a terminal status",
	}, []string{"status"})

	// Webhook Ingress

	WebhookRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_webhook_rejections_total",
		Help: "Total webhook submissions rejected, by reason",
	}, []string{"source", "reason"})

	WebhookAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_webhook_accepted_total",
		Help: "Total webhook submissions accepted",
	}, []string{"source"})

	// Store (cookie persistence, idempotency backend, task archive)

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phantom_store_operation_duration_seconds",
		Help:    "Duration of a backend store operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_store_errors_total",
		Help: "Total backend store operation failures",
	}, []string{"backend", "operation"})
)
