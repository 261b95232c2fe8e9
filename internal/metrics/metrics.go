// Package metrics defines the Prometheus collectors exported by the encoder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes
const (
	OutcomeReady        = "ready"
	OutcomeFailed       = "failed"
	OutcomeUnrecorded   = "unrecorded"
	OutcomeReleased     = "released"
	OutcomeDeadLettered = "dead_lettered"
)

// Job metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encoder_jobs_total",
			Help: "Total number of jobs handled, by outcome",
		},
		[]string{"outcome"},
	)

	JobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encoder_job_failures_total",
			Help: "Total number of failed jobs, by error code",
		},
		[]string{"code"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encoder_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encoder_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"stage"},
	)
)

// Transcoder metrics
var (
	ThumbnailFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_thumbnail_failures_total",
			Help: "Total number of jobs published without a thumbnail",
		},
	)

	TranscoderSoftErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_transcoder_soft_errors_total",
			Help: "Total number of error lines reported by successful transcoder runs",
		},
	)
)

// Storage metrics
var (
	UploadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_uploaded_bytes_total",
			Help: "Total bytes published to object storage",
		},
	)

	UploadedFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_uploaded_files_total",
			Help: "Total files published to object storage",
		},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "encoder_queue_depth",
			Help: "Number of jobs in the queue, by state",
		},
		[]string{"state"}, // "waiting", "in_flight", "dead"
	)

	QueueRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_queue_requeued_total",
			Help: "Total number of jobs requeued after their lease expired",
		},
	)
)
