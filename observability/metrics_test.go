package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not registered", name)
	return nil
}

func metricWithLabels(family *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, metric := range family.GetMetric() {
		labels := make(map[string]string, len(metric.GetLabel()))
		for _, pair := range metric.GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		matched := true
		for key, value := range want {
			if labels[key] != value {
				matched = false
				break
			}
		}
		if matched {
			return metric
		}
	}
	return nil
}

func TestObserveRecordsRequestOutcomes(t *testing.T) {
	registry := RPC()
	registry.Observe("market", "market_buy", 200, 25*time.Millisecond)
	registry.Observe("market", "market_buy", 200, 40*time.Millisecond)
	registry.Observe("market", "market_buy", 500, 10*time.Millisecond)
	registry.Observe("", "", 200, time.Millisecond)

	requests := gatherFamily(t, "pulse_rpc_requests_total")
	success := metricWithLabels(requests, map[string]string{"module": "market", "method": "market_buy", "outcome": "success"})
	if success == nil {
		t.Fatalf("success counter missing")
	}
	if got := success.GetCounter().GetValue(); got != 2 {
		t.Fatalf("success count = %v, want 2", got)
	}
	failed := metricWithLabels(requests, map[string]string{"module": "market", "method": "market_buy", "outcome": "error"})
	if failed == nil || failed.GetCounter().GetValue() != 1 {
		t.Fatalf("error counter = %+v, want 1", failed)
	}
	unknown := metricWithLabels(requests, map[string]string{"module": "unknown", "method": "unknown"})
	if unknown == nil || unknown.GetCounter().GetValue() != 1 {
		t.Fatalf("blank module/method should map to unknown labels, got %+v", unknown)
	}

	errs := gatherFamily(t, "pulse_rpc_errors_total")
	status := metricWithLabels(errs, map[string]string{"module": "market", "method": "market_buy", "status": "500"})
	if status == nil || status.GetCounter().GetValue() != 1 {
		t.Fatalf("status counter = %+v, want 1", status)
	}

	latency := gatherFamily(t, "pulse_rpc_request_duration_seconds")
	hist := metricWithLabels(latency, map[string]string{"module": "market", "method": "market_buy"})
	if hist == nil {
		t.Fatalf("latency histogram missing")
	}
	if got := hist.GetHistogram().GetSampleCount(); got != 3 {
		t.Fatalf("latency sample count = %d, want 3", got)
	}
}

func TestRecordThrottleFallsBackToStableLabels(t *testing.T) {
	registry := RPC()
	registry.RecordThrottle("gateway", "rate_limit")
	registry.RecordThrottle("gateway", "rate_limit")
	registry.RecordThrottle("", "")

	throttles := gatherFamily(t, "pulse_rpc_throttles_total")
	limited := metricWithLabels(throttles, map[string]string{"module": "gateway", "reason": "rate_limit"})
	if limited == nil || limited.GetCounter().GetValue() != 2 {
		t.Fatalf("rate_limit counter = %+v, want 2", limited)
	}
	fallback := metricWithLabels(throttles, map[string]string{"module": "unknown", "reason": "unspecified"})
	if fallback == nil || fallback.GetCounter().GetValue() != 1 {
		t.Fatalf("fallback counter = %+v, want 1", fallback)
	}
}

func TestOracleMetricsNormaliseSources(t *testing.T) {
	registry := Oracle()
	registry.RecordSample(" Creator-API ", nil)
	registry.RecordSample("creator-api", errors.New("boom"))
	registry.RecordFreshness("clip-9", 90*time.Second)
	registry.SetPending(3)
	registry.SetPending(-2)

	samples := gatherFamily(t, "pulse_oracle_samples_total")
	ok := metricWithLabels(samples, map[string]string{"source": "creator-api", "outcome": "success"})
	if ok == nil || ok.GetCounter().GetValue() != 1 {
		t.Fatalf("success sample = %+v, want 1", ok)
	}
	failed := metricWithLabels(samples, map[string]string{"source": "creator-api", "outcome": "error"})
	if failed == nil || failed.GetCounter().GetValue() != 1 {
		t.Fatalf("error sample = %+v, want 1", failed)
	}

	freshness := gatherFamily(t, "pulse_oracle_score_freshness_seconds")
	subject := metricWithLabels(freshness, map[string]string{"subject": "clip-9"})
	if subject == nil || subject.GetGauge().GetValue() != 90 {
		t.Fatalf("freshness gauge = %+v, want 90", subject)
	}

	pending := gatherFamily(t, "pulse_oracle_pending_requests")
	if len(pending.GetMetric()) != 1 {
		t.Fatalf("pending gauge cardinality = %d, want 1", len(pending.GetMetric()))
	}
	if got := pending.GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("negative pending should clamp to 0, got %v", got)
	}
}

func TestEventMetricsAggregateTradeVolume(t *testing.T) {
	registry := Events()
	registry.RecordEvent("market.settled")
	registry.RecordEvent("market.settled")
	registry.RecordEvent("  ")
	registry.SetSubscribers(4)
	registry.RecordTradeVolume("LONG", big.NewInt(150))
	registry.RecordTradeVolume("long", big.NewInt(50))
	registry.RecordTradeVolume("short", nil)

	published := gatherFamily(t, "pulse_events_published_total")
	settled := metricWithLabels(published, map[string]string{"type": "market.settled"})
	if settled == nil || settled.GetCounter().GetValue() != 2 {
		t.Fatalf("settled counter = %+v, want 2", settled)
	}
	unknown := metricWithLabels(published, map[string]string{"type": "unknown"})
	if unknown == nil || unknown.GetCounter().GetValue() != 1 {
		t.Fatalf("blank event type should map to unknown, got %+v", unknown)
	}

	subscribers := gatherFamily(t, "pulse_events_subscribers")
	if got := subscribers.GetMetric()[0].GetGauge().GetValue(); got != 4 {
		t.Fatalf("subscriber gauge = %v, want 4", got)
	}

	volume := gatherFamily(t, "pulse_events_trade_volume")
	long := metricWithLabels(volume, map[string]string{"side": "long"})
	if long == nil || long.GetCounter().GetValue() != 200 {
		t.Fatalf("long volume = %+v, want 200", long)
	}
	short := metricWithLabels(volume, map[string]string{"side": "short"})
	if short == nil || short.GetCounter().GetValue() != 0 {
		t.Fatalf("nil cost should add zero, got %+v", short)
	}
}
