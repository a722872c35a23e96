package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatecord"

// Registry holds every gatecord collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// REST / rate limiting
var (
	RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "REST requests sent, by method and status class.",
	}, []string{"method", "status"})

	RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "request_duration_seconds",
		Help:      "Round trip time of REST requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	RateLimitWaits = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "wait_seconds",
		Help:      "Time requests spent parked waiting for a bucket or the global quota.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	RateLimitHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "hits_total",
		Help:      "429 responses received, by scope (route, global, shared).",
	}, []string{"scope"})

	RetryExhausted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "retry_exhausted_total",
		Help:      "Requests surfaced to callers after exceeding the 429 retry budget.",
	})

	Buckets = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "buckets",
		Help:      "Rate-limit buckets discovered from response headers.",
	})

	QueuedRequests = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "queued_requests",
		Help:      "Requests waiting in dispatcher lanes.",
	})
)

// Gateway
var (
	SessionState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "session_state",
		Help:      "Current state of each shard session (see gateway.State values).",
	}, []string{"shard"})

	Reconnects = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "reconnects_total",
		Help:      "Session reconnects, by whether the session was resumed.",
	}, []string{"shard", "mode"})

	HeartbeatLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "heartbeat_latency_seconds",
		Help:      "Time between a heartbeat and its acknowledgement.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"shard"})

	Zombies = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "zombie_sessions_total",
		Help:      "Connections closed because a heartbeat was not acknowledged in time.",
	}, []string{"shard"})

	EventsReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_received_total",
		Help:      "Inbound gateway messages, by op code.",
	}, []string{"shard", "op"})

	SessionRestarts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "session_restarts_total",
		Help:      "Sessions replaced by the supervisor after dying.",
	}, []string{"shard"})
)

// Cache
var (
	CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Entity cache lookups, by cache and result (hit, miss, absent).",
	}, []string{"cache", "result"})

	CacheFetches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "fetches_total",
		Help:      "Outbound fetches issued by entity caches after single-flight collapsing.",
	}, []string{"cache"})
)

// Archive
var (
	ArchiveRows = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "rows_total",
		Help:      "Archived gateway events, by outcome (inserted, conflict, error, dropped).",
	}, []string{"outcome"})
)

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
