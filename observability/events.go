package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published   *prometheus.CounterVec
	subscribers prometheus.Gauge
	tradeVolume *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the structured event stream.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of emitted events segmented by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pulse",
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Number of websocket clients attached to the event stream.",
			}),
			tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "events",
				Name:      "trade_volume",
				Help:      "Cumulative curve cost of executed trades segmented by side.",
			}, []string{"side"}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.subscribers, eventRegistry.tradeVolume)
	})
	return eventRegistry
}

// RecordEvent increments the publish counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized).Inc()
}

// SetSubscribers updates the attached-client gauge.
func (m *eventMetrics) SetSubscribers(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.subscribers.Set(float64(count))
}

// RecordTradeVolume adds the curve cost of an executed trade to the running
// per-side volume counter. Precision above float64 is acceptable to lose
// here; exact accounting lives in the archive.
func (m *eventMetrics) RecordTradeVolume(side string, cost *big.Int) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(side))
	if normalized == "" {
		normalized = "unknown"
	}
	m.tradeVolume.WithLabelValues(normalized).Add(bigToFloat(cost))
}
