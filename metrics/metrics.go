// Package metrics holds the Prometheus collectors of the ledger service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// DraftsSubmitted counts draft submissions by result
	// (accepted, inconsistent, reset, rejected).
	DraftsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterledger",
		Subsystem: "drafts",
		Name:      "submitted_total",
		Help:      "Draft submissions, labeled by result and source.",
	}, []string{"result", "source"})

	// DraftsConsolidated counts drafts resolved by consolidation, by outcome.
	DraftsConsolidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterledger",
		Subsystem: "drafts",
		Name:      "consolidated_total",
		Help:      "Drafts processed by consolidation, labeled by outcome (consolidated, replaced, skipped).",
	}, []string{"outcome"})

	// ImportRows counts imported rows by outcome.
	ImportRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterledger",
		Subsystem: "import",
		Name:      "rows_total",
		Help:      "Import rows, labeled by outcome (inserted, duplicate, error).",
	}, []string{"outcome"})

	// ImportDurationSeconds is the time per committed or rolled back import.
	ImportDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meterledger",
		Subsystem: "import",
		Name:      "duration_seconds",
		Help:      "Time to run one import batch.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// SessionActive is 1 while a collection session is open.
	SessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterledger",
		Subsystem: "session",
		Name:      "active",
		Help:      "Whether a collection session is open.",
	})

	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterledger",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests, labeled by method, route and status.",
	}, []string{"method", "route", "status"})
)

// Register registers the collectors with the default registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			DraftsSubmitted,
			DraftsConsolidated,
			ImportRows,
			ImportDurationSeconds,
			SessionActive,
			HTTPRequests,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveConsolidation adds one consolidation result.
func ObserveConsolidation(consolidated, replaced, skipped int) {
	DraftsConsolidated.WithLabelValues("consolidated").Add(float64(consolidated))
	DraftsConsolidated.WithLabelValues("replaced").Add(float64(replaced))
	DraftsConsolidated.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveImport adds one import report.
func ObserveImport(inserted, duplicates, rowErrors int, seconds float64) {
	ImportRows.WithLabelValues("inserted").Add(float64(inserted))
	ImportRows.WithLabelValues("duplicate").Add(float64(duplicates))
	ImportRows.WithLabelValues("error").Add(float64(rowErrors))
	ImportDurationSeconds.Observe(seconds)
}

// SetSessionActive records the session gate state.
func SetSessionActive(active bool) {
	if active {
		SessionActive.Set(1)
		return
	}
	SessionActive.Set(0)
}
