// Package metrics registers the Prometheus instruments shared across the
// acquisition pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchRequests counts HTTP requests dispatched by the fetch client,
	// including retries.
	FetchRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_fetch_requests_total",
		Help: "The total number of HTTP requests sent.",
	})
	// FetchRetries counts retry attempts after a transient failure.
	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_fetch_retries_total",
		Help: "The total number of retried requests.",
	})
	// FetchFailures counts requests that ended in a terminal error.
	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_fetch_failures_total",
		Help: "The total number of requests that failed terminally.",
	})
	// PolitenessWait accumulates time spent waiting out the per-host interval.
	PolitenessWait = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_fetch_politeness_wait_seconds_total",
		Help: "Cumulative seconds spent waiting on the per-host politeness interval.",
	})
	// JobRuns counts scheduler job executions by outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_job_runs_total",
		Help: "The total number of job executions, labeled by outcome.",
	}, []string{"job", "outcome"})
	// AlertsFired counts failure-streak alerts.
	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_alerts_fired_total",
		Help: "The total number of failure-streak alerts fired.",
	})
	// ItemsPersisted counts items written through the document sink.
	ItemsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_items_persisted_total",
		Help: "The total number of item documents persisted.",
	})
)
