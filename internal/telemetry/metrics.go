package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ebook_jobs_created_total", Help: "Jobs submitted"})
	StepsStarted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ebook_steps_started_total", Help: "Step invocations that reached RUNNING"}, []string{"step"})
	StepsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ebook_steps_completed_total", Help: "Steps completed successfully"}, []string{"step"})
	StepsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ebook_steps_failed_total", Help: "Steps whose own work failed"}, []string{"step"})
	TriggerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ebook_trigger_failures_total", Help: "Failed dispatches of the next step"}, []string{"step"})
	StepDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "ebook_step_duration_seconds", Help: "Wall time of step work", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"step"})
	StoreRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ebook_store_retries_total", Help: "Object store operations retried"}, []string{"op"})
	SavesSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ebook_manifest_saves_skipped_total", Help: "Manifest saves dropped because one was already in flight"})
	JobsReaped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ebook_jobs_reaped_total", Help: "Jobs deleted by the retention reaper"})
	UploadRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ebook_upload_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ebook_step_queue_depth", Help: "Step tasks waiting in the ready queue"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ebook_step_inflight", Help: "Step tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			StepsStarted,
			StepsCompleted,
			StepsFailed,
			TriggerFailures,
			StepDuration,
			StoreRetries,
			SavesSkipped,
			JobsReaped,
			UploadRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
