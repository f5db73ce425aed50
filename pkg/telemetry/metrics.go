package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Idempotency ─────────────────────────────────────────────────────────────

	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "idempotency",
		Name:      "outcomes_total",
		Help:      "Coordinator outcomes, labelled by kind (succeeded, replayed, in_progress, rejected, execution_failed).",
	}, []string{"outcome"})

	IdempotencyFinalizeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "idempotency",
		Name:      "finalize_errors_total",
		Help:      "Finalize writes that failed and left a record in processing.",
	})

	IdempotencyStaleRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "messenger",
		Subsystem: "idempotency",
		Name:      "stale_records",
		Help:      "Records still processing past the configured stale threshold at the last audit.",
	})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIMessagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "api",
		Name:      "messages_created_total",
		Help:      "Messages written to the store, labelled by whether an idempotency key was supplied.",
	}, []string{"idempotent"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "messenger",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, labelled by method, route pattern and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Message creations rejected by the per-username rate limiter.",
	})

	// ─── Events ──────────────────────────────────────────────────────────────────

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Message events handed to Kafka, labelled by status (ok, error).",
	}, []string{"status"})
)
