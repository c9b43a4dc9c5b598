// Package metrics holds the Prometheus collectors shared by the
// classification client, the catalog fetcher and the patrol controllers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classifications counts finished classifications by outcome
	// (ok, error, parse_failure, screened, allowlisted).
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patrol_classifications_total",
		Help: "Finished product classifications by outcome.",
	}, []string{"outcome"})

	// ClassificationAttempts counts every HTTP attempt, retries included.
	ClassificationAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patrol_classification_attempts_total",
		Help: "Classification requests sent to the oracle, including retries.",
	})

	ClassifyInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "patrol_classify_inflight",
		Help: "Classification calls currently outstanding.",
	})

	CatalogPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patrol_catalog_pages_total",
		Help: "Catalog page fetches by outcome (ok, empty, error).",
	}, []string{"outcome"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patrol_items_processed_total",
		Help: "Products classified and accumulated, by run mode.",
	}, []string{"mode"})

	CheckpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patrol_checkpoint_writes_total",
		Help: "Session store writes by outcome (ok, error).",
	}, []string{"outcome"})
)
