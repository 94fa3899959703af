package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_items_enqueued_total", Help: "Documents accepted into the ingestion queue"})
	ItemsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_items_completed_total", Help: "Items extracted, validated, and published"})
	ItemsNeedsReview    = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_items_needs_review_total", Help: "Items that failed a critical validation rule"})
	ItemsErrored        = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_items_errored_total", Help: "Items that exhausted retries or failed permanently"})
	ItemRetries         = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_item_retries_total", Help: "Transient extraction failures that were retried"})
	JobsSynced          = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_sync_jobs_completed_total", Help: "Sync jobs completed against the portal"})
	JobsErrored         = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_sync_jobs_errored_total", Help: "Sync jobs that ended in error"})
	RunnerContinuations = prometheus.NewCounter(prometheus.CounterOpts{Name: "taxdocs_runner_continuations_total", Help: "Runner invocations re-triggered to keep draining a batch"})
	ItemsInFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "taxdocs_items_inflight", Help: "Items currently processing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsEnqueued,
			ItemsCompleted,
			ItemsNeedsReview,
			ItemsErrored,
			ItemRetries,
			JobsSynced,
			JobsErrored,
			RunnerContinuations,
			ItemsInFlight,
		)
	})
	return promhttp.Handler()
}
