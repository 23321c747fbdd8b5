// Package metrics exposes prometheus counters for backfill runs and an
// optional /metrics listener for scraping long-running migrations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the run counters.
type Metrics struct {
	RecordsUpdated   prometheus.Counter
	RecordsSkipped   *prometheus.CounterVec
	RoundsFailed     prometheus.Counter
	IndexFailures    prometheus.Counter
	DomainsProcessed prometheus.Counter
}

// New registers the backfill counters with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_records_updated_total",
			Help: "Records whose derived artifact was committed.",
		}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_records_skipped_total",
			Help: "Records skipped, by failing pipeline stage.",
		}, []string{"stage"}),
		RoundsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_rounds_failed_total",
			Help: "Rounds abandoned due to batch-level failures.",
		}),
		IndexFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_index_failures_total",
			Help: "Bulk index calls abandoned after retries.",
		}),
		DomainsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_domains_processed_total",
			Help: "Domains driven to completion.",
		}),
	}
}

// Handler returns the scrape handler for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
