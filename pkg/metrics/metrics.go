// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatchesTotal counts FindBestMatch results by the stage that produced them and their tier
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "matching",
			Name:      "results_total",
			Help:      "Total number of match lookups by stage and confidence tier",
		},
		[]string{"stage", "confidence"},
	)

	// MatchDuration tracks the time spent running the match cascade
	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "matching",
			Name:      "duration_seconds",
			Help:      "Duration of match cascades in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// MergeOutcomesTotal counts CreateOrUpdate outcomes (created, merged, unchanged, failed)
	MergeOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merging",
			Name:      "outcomes_total",
			Help:      "Total number of create-or-update outcomes",
		},
		[]string{"outcome"},
	)

	// DuplicateEmailRetriesTotal counts inserts that collided on the email constraint and were retried as updates
	DuplicateEmailRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merging",
			Name:      "duplicate_email_retries_total",
			Help:      "Total number of inserts retried as lookup-then-update after a duplicate email",
		},
	)

	// ConsolidationsTotal counts secondaries folded into a primary by status (merged, failed)
	ConsolidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merging",
			Name:      "consolidated_secondaries_total",
			Help:      "Total number of duplicate contacts consolidated by status",
		},
		[]string{"status"},
	)

	// IngestedRecordsTotal counts ingested records by feed and outcome
	IngestedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Total number of ingested contact records by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// LockWaitDuration tracks how long writers waited for the per-email lock
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring per-email write locks",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	// EventsPublishedTotal counts contact events written to Kafka by type and status
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "events_published_total",
			Help:      "Total number of contact events published",
		},
		[]string{"event_type", "status"},
	)

	// ConsumerRetriesTotal counts failed handler attempts that were retried in place
	ConsumerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "consumer_retries_total",
			Help:      "Total number of failed message handler attempts retried without committing",
		},
		[]string{"topic"},
	)

	// DeadLetteredTotal counts messages moved to the dead letter topic
	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "dead_lettered_total",
			Help:      "Total number of messages moved to the dead letter topic after exhausting retries",
		},
		[]string{"topic"},
	)
)
