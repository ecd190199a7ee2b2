package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// RPC returns the lazily-initialised metrics registry used to record JSON-RPC
// module activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pulse",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// OracleMetrics bundles collectors for score submissions and staleness
// tracking.
type OracleMetrics struct {
	samples   *prometheus.CounterVec
	freshness *prometheus.GaugeVec
	pending   prometheus.Gauge
}

// Oracle returns the metrics registry for the score oracle.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			samples: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "oracle",
				Name:      "samples_total",
				Help:      "Count of score submissions segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pulse",
				Subsystem: "oracle",
				Name:      "score_freshness_seconds",
				Help:      "Age in seconds of the most recent score for a subject.",
			}, []string{"subject"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pulse",
				Subsystem: "oracle",
				Name:      "pending_requests",
				Help:      "Number of subjects with an outstanding score request.",
			}),
		}
		prometheus.MustRegister(oracleRegistry.samples, oracleRegistry.freshness, oracleRegistry.pending)
	})
	return oracleRegistry
}

// RecordSample increments the submission counter for a source.
func (m *OracleMetrics) RecordSample(source string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.samples.WithLabelValues(labelSource(source), outcome).Inc()
}

// RecordFreshness records how stale the subject's latest score is.
func (m *OracleMetrics) RecordFreshness(subject string, age time.Duration) {
	if m == nil {
		return
	}
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		trimmed = "unknown"
	}
	m.freshness.WithLabelValues(trimmed).Set(age.Seconds())
}

// SetPending updates the outstanding-request gauge.
func (m *OracleMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.pending.Set(float64(count))
}

func labelSource(source string) string {
	trimmed := strings.ToLower(strings.TrimSpace(source))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
