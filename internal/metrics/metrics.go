// Package metrics provides Prometheus instrumentation for Agora.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RPC metrics.
var (
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_rpc_requests_total",
		Help: "Total number of JSON-RPC requests.",
	}, []string{"method", "code"})

	WSSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_ws_sessions_active",
		Help: "Number of active WebSocket sessions.",
	})

	WSNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_ws_notifications_total",
		Help: "Total number of notifications pushed to WebSocket sessions.",
	})
)

// Orchestration metrics.
var (
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_events_appended_total",
		Help: "Total number of events appended to the log.",
	}, []string{"type", "finality"})

	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agora_append_duration_seconds",
		Help:    "Event append duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_subscriptions_active",
		Help: "Number of active bus subscriptions.",
	})

	ClaimsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_claims_active",
		Help: "Number of currently held turn claims.",
	})

	ClaimsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_claims_expired_total",
		Help: "Total number of claims reclaimed by the watchdog.",
	})

	GuidanceEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_guidance_emitted_total",
		Help: "Total number of guidance events emitted by the scheduler.",
	})
)
