package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Canonical event names. These are the counter keys used both in the
// prometheus registry and in the shared-store snapshot hash.
const (
	DownloadAttempt = "download.attempt"
	DownloadSuccess = "download.success"
	DownloadFailed  = "download.failed"

	PipelineStart    = "pipeline.start"
	PipelineDone     = "pipeline.done"
	PipelineFailed   = "pipeline.failed"
	PipelineDeferred = "pipeline.deferred"

	AutoprioritizeScanned            = "autoprioritize.scanned"
	AutoprioritizeEnqueued           = "autoprioritize.enqueued"
	AutoprioritizeSkippedCaptioned   = "autoprioritize.skipped_captioned"
	AutoprioritizeSkippedAlreadyQued = "autoprioritize.skipped_alreadyqueued"
)

type CaptionAPIMetrics struct {
	Events              *prometheus.CounterVec
	DownloadDurationSec prometheus.Histogram
	TaskDurationSec     *prometheus.SummaryVec
	QueueDepth          *prometheus.GaugeVec
}

func NewMetrics() *CaptionAPIMetrics {
	m := &CaptionAPIMetrics{
		Events: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caption_api_events_total",
			Help: "Monotonic event counters keyed by event kind and city",
		}, []string{"event", "city"}),
		DownloadDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "caption_api_download_duration_seconds",
			Help:    "Total wall time of downloads, including retries",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		TaskDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "caption_api_task_duration_seconds",
			Help: "The time broker tasks take to run, broken up by kind and success",
		}, []string{"kind", "success"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caption_api_queue_depth",
			Help: "Number of tasks waiting per broker queue",
		}, []string{"queue"}),
	}

	return m
}

// Bump increments the prometheus side of an event counter. The shared-store
// side is handled by store.Counters, which calls this.
func Bump(event, city string) {
	Metrics.Events.WithLabelValues(event, city).Inc()
}

var Metrics = NewMetrics()
