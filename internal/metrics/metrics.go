package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue pull metrics
	PullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradeflow_consumer_pulls_total",
			Help: "Total per-queue drain attempts by outcome",
		},
		[]string{"queue", "status"},
	)

	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradeflow_consumer_items_total",
			Help: "Total queue items processed by outcome",
		},
		[]string{"queue", "status"},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gradeflow_consumer_queue_length",
			Help: "Length reported by the last successful probe",
		},
		[]string{"queue"},
	)

	TicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gradeflow_consumer_ticks_skipped_total",
			Help: "Scheduler ticks skipped because the lease was held elsewhere",
		},
	)

	// Certificate pipeline metrics
	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gradeflow_certificate_render_duration_seconds",
			Help:    "Duration of certificate rendering in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UploadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gradeflow_certificate_upload_errors_total",
			Help: "Total certificate upload failures",
		},
	)

	// Post-back metrics
	PostDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gradeflow_consumer_post_duration_seconds",
			Help:    "Duration of result post-backs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP intake metrics
	SubmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradeflow_controller_submits_total",
			Help: "Total inbound submit requests by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)
)
