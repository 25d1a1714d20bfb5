package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "provgraph",
		Name:      "jobs_submitted_total",
		Help:      "Ingestion jobs accepted by the job manager.",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provgraph",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal status.",
	}, []string{"status"})

	jobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "provgraph",
		Name:      "job_retries_total",
		Help:      "Job attempts re-enqueued after a transient failure.",
	})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "provgraph",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently held by a worker.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provgraph",
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provgraph",
		Name:      "stage_failures_total",
		Help:      "Stage executions ending in error, by stage and error kind.",
	}, []string{"stage", "kind"})

	gcSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provgraph",
		Name:      "gc_rows_swept_total",
		Help:      "Records removed by the scheduled sweep, by kind.",
	}, []string{"kind"})
)
