// Package metrics declares the Prometheus collectors shared by the engine.
// Collectors register with the default registry on package init; the HTTP
// bridge exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueJobs counts finished queue jobs by outcome (success, failure).
	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainforge_queue_jobs_total",
		Help: "Total queue jobs by outcome",
	}, []string{"outcome"})

	// QueueJobDuration tracks end-to-end job latency including retries.
	QueueJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainforge_queue_job_duration_seconds",
		Help:    "Queue job duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// QueueTransportRetries counts transport-level retries.
	QueueTransportRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainforge_queue_transport_retries_total",
		Help: "Total transport retries issued by the queue",
	})

	// QueueActiveJobs is the number of jobs holding a queue slot.
	QueueActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainforge_queue_active_jobs",
		Help: "Jobs currently executing",
	})

	// ValidationAttempts counts self-correction attempts by outcome
	// (passed, failed).
	ValidationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainforge_validation_attempts_total",
		Help: "Total validation attempts by outcome",
	}, []string{"outcome"})

	// Escalations counts escalations by outcome (requested, feedback, timeout).
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainforge_escalations_total",
		Help: "Total escalations by outcome",
	}, []string{"outcome"})

	// Chains counts chains reaching a terminal status.
	Chains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainforge_chains_total",
		Help: "Total chains by terminal status",
	}, []string{"status"})
)
