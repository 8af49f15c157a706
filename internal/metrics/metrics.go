// Package metrics exposes Prometheus instrumentation for the engine's hot
// paths. Collectors register against the default registry; serve them with
// promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "events_processed_total",
		Help:      "Events dispatched through the engine, including cascade emissions.",
	})

	RulesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "rules_executed_total",
		Help:      "Rules whose actions ran to completion.",
	})

	RulesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "rules_skipped_total",
		Help:      "Rules skipped because their conditions did not hold.",
	})

	ActionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "action_failures_total",
		Help:      "Actions that returned an error or panicked.",
	})

	CascadeDepthExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "cascade_depth_exceeded_total",
		Help:      "Dispatch transactions cut off at the cascade depth limit.",
	})

	RuleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reflex",
		Name:      "rule_duration_seconds",
		Help:      "Wall time per executed rule, conditions plus actions.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery outcomes.",
	}, []string{"outcome"})

	AuditEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflex",
		Name:      "audit_entries_total",
		Help:      "Audit entries recorded.",
	})
)
