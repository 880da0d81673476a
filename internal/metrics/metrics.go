// SPDX-License-Identifier: MIT

// Package metrics exposes the aoid Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inspectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aoid_inspections_total",
		Help: "Inspection requests by outcome",
	}, []string{"outcome"}) // outcome=pass|fail|error

	inspectDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aoid_inspect_duration_seconds",
		Help:    "Wall time of a full inspect call",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	roiResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aoid_roi_results_total",
		Help: "Per-ROI results by type and outcome",
	}, []string{"type", "outcome"}) // type=barcode|compare|ocr|color, outcome=pass|fail|error

	roiDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aoid_roi_duration_seconds",
		Help:    "Processing time of a single ROI",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aoid_sessions_active",
		Help: "Currently active sessions",
	})

	sessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aoid_sessions_reaped_total",
		Help: "Sessions closed by the expiry reaper",
	})

	linkerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aoid_linker_requests_total",
		Help: "Barcode linker lookups by outcome",
	}, []string{"outcome"}) // outcome=linked|fallback|circuit_open|memoized

	goldenPromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aoid_golden_promotions_total",
		Help: "Golden sample promotions by source",
	}, []string{"source"}) // source=auto|admin

	decodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aoid_image_decode_failures_total",
		Help: "Inspection images that could not be decoded",
	})
)

func RecordInspection(outcome string, d time.Duration) {
	inspectionsTotal.WithLabelValues(outcome).Inc()
	inspectDurationSeconds.Observe(d.Seconds())
}

func RecordROI(roiType, outcome string, d time.Duration) {
	roiResultsTotal.WithLabelValues(roiType, outcome).Inc()
	roiDurationSeconds.WithLabelValues(roiType).Observe(d.Seconds())
}

func SetActiveSessions(n int)     { sessionsActive.Set(float64(n)) }
func IncSessionsReaped()          { sessionsReapedTotal.Inc() }
func IncLinker(outcome string)    { linkerRequestsTotal.WithLabelValues(outcome).Inc() }
func IncPromotion(source string)  { goldenPromotionsTotal.WithLabelValues(source).Inc() }
func IncDecodeFailure()           { decodeFailuresTotal.Inc() }
