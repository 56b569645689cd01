package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP bridge metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total HTTP requests served by the bridge",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// Sync core metrics
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_applied_total",
			Help: "Events applied to the entity store",
		},
		[]string{"event"},
	)

	StoreVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_store_version",
			Help: "Current entity store snapshot version",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_subscriptions",
			Help: "Remote subscriptions currently active",
		},
	)

	SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_subscription_errors_total",
			Help: "Remote listener failures",
		},
		[]string{"kind"},
	)

	DroppedCallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_dropped_callbacks_total",
			Help: "Remote callbacks dropped because their subscription had ended",
		},
	)

	Writes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_writes_total",
			Help: "Remote writes by operation and result",
		},
		[]string{"op", "result"}, // result: "ok", "error", "timeout"
	)

	WriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_write_latency_seconds",
			Help:    "Remote write latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"op"},
	)

	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sessions_total",
			Help: "Session transitions",
		},
		[]string{"transition"}, // "signup", "signin", "restore", "logout", "expired"
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_websocket_clients",
			Help: "Connected UI websocket clients",
		},
	)

	// Infrastructure metrics
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_backend_latency_seconds",
			Help:    "Document backend operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
		[]string{"backend", "op"},
	)
)
