// Package metrics provides Prometheus metrics for the update pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal counts processed batches by outcome.
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statpulse",
			Name:      "batches_total",
			Help:      "Total number of processed batches",
		},
		[]string{"survey", "outcome"},
	)

	// ObservationsWritten counts observations upserted into the store.
	ObservationsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statpulse",
			Name:      "observations_written_total",
			Help:      "Total number of observations written",
		},
		[]string{"survey"},
	)

	// FetchRequests counts upstream fetch calls.
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statpulse",
			Name:      "fetch_requests_total",
			Help:      "Total number of upstream fetch requests",
		},
		[]string{"provider", "status"},
	)

	// QuotaRemaining tracks the shared daily quota headroom.
	QuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "statpulse",
			Name:      "quota_remaining",
			Help:      "Remaining requests in today's shared quota",
		},
	)

	// CyclesTotal counts finished cycle runs by terminal state.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statpulse",
			Name:      "cycles_total",
			Help:      "Total number of cycle runs by terminal state",
		},
		[]string{"survey", "state"},
	)
)

// RecordBatch records one processed batch.
func RecordBatch(survey, outcome string) {
	BatchesTotal.WithLabelValues(survey, outcome).Inc()
}

// RecordFetch records one upstream request.
func RecordFetch(provider, status string) {
	FetchRequests.WithLabelValues(provider, status).Inc()
}

// AddObservations records observations written for a survey.
func AddObservations(survey string, n int) {
	ObservationsWritten.WithLabelValues(survey).Add(float64(n))
}
