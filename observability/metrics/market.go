package metrics

import (
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics bundles the settlement-facing collectors. Pool and dust
// gauges are labelled by market so stranded collateral is visible per market
// rather than only in aggregate.
type MarketMetrics struct {
	settlements     *prometheus.CounterVec
	claims          *prometheus.CounterVec
	payoutPool      *prometheus.GaugeVec
	strandedReserve *prometheus.GaugeVec
	roundingDust    *prometheus.GaugeVec
	sweepFailures   *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the singleton market metrics registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "pulse_market_settlements_total",
				Help: "Count of settled markets by winning side.",
			}, []string{"winner"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "pulse_market_claims_total",
				Help: "Count of claim attempts by outcome.",
			}, []string{"outcome"}),
			payoutPool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pulse_market_payout_pool",
				Help: "Payout pool of a settled market in base units.",
			}, []string{"market"}),
			strandedReserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pulse_market_stranded_reserve",
				Help: "Losing-side reserve left in the vault when the winning side had no supply.",
			}, []string{"market"}),
			roundingDust: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pulse_market_rounding_dust",
				Help: "Base units left behind by floor division across pro-rata payouts.",
			}, []string{"market"}),
			sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "pulse_market_fee_sweep_failures_total",
				Help: "Count of fee sweeps rejected at the vault balance check.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			marketRegistry.settlements,
			marketRegistry.claims,
			marketRegistry.payoutPool,
			marketRegistry.strandedReserve,
			marketRegistry.roundingDust,
			marketRegistry.sweepFailures,
		)
	})
	return marketRegistry
}

// RecordSettlement increments the settlement counter and snapshots the pool.
func (m *MarketMetrics) RecordSettlement(marketID string, longWon bool, pool *big.Int) {
	if m == nil {
		return
	}
	winner := "short"
	if longWon {
		winner = "long"
	}
	m.settlements.WithLabelValues(winner).Inc()
	m.payoutPool.WithLabelValues(labelMarket(marketID)).Set(toFloat(pool))
}

// RecordClaim increments the claim counter for the supplied outcome.
func (m *MarketMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(outcome)
	if normalized == "" {
		normalized = "unknown"
	}
	m.claims.WithLabelValues(normalized).Inc()
}

// RecordStrandedReserve publishes the collateral locked behind an empty
// winning side.
func (m *MarketMetrics) RecordStrandedReserve(marketID string, amount *big.Int) {
	if m == nil {
		return
	}
	m.strandedReserve.WithLabelValues(labelMarket(marketID)).Set(toFloat(amount))
}

// RecordRoundingDust publishes the floor-division remainder for a market.
func (m *MarketMetrics) RecordRoundingDust(marketID string, amount *big.Int) {
	if m == nil {
		return
	}
	m.roundingDust.WithLabelValues(labelMarket(marketID)).Set(toFloat(amount))
}

// RecordSweepFailure counts a rejected fee sweep.
func (m *MarketMetrics) RecordSweepFailure(reason string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(reason)
	if normalized == "" {
		normalized = "unspecified"
	}
	m.sweepFailures.WithLabelValues(normalized).Inc()
}

func labelMarket(id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func toFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, _ := new(big.Float).SetInt(value).Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) || floatVal < 0 {
		return 0
	}
	return floatVal
}
