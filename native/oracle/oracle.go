package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoScore indicates that no score has been recorded for the subject yet.
	ErrNoScore = errors.New("oracle: no score recorded")
	// ErrStaleScore indicates an observation older than a source's freshness
	// window.
	ErrStaleScore = errors.New("oracle: stale score")
)

// Sample captures one engagement score observation for a market subject.
type Sample struct {
	Subject    string
	Score      *big.Int
	Source     string
	ObservedAt int64
}

// Clone returns a deep copy of the sample.
func (s Sample) Clone() Sample {
	clone := Sample{Subject: s.Subject, Source: s.Source, ObservedAt: s.ObservedAt}
	if s.Score != nil {
		clone.Score = new(big.Int).Set(s.Score)
	}
	return clone
}

// ManualOracle keeps operator-submitted scores in memory. It backs the admin
// submission endpoint and doubles as the test oracle; persistent deployments
// layer a Store underneath via PersistentOracle.
type ManualOracle struct {
	mu      sync.RWMutex
	samples map[string]Sample
	pending map[string]struct{}
	nowFn   func() int64
}

// NewManualOracle constructs an empty manual oracle.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{
		samples: make(map[string]Sample),
		pending: make(map[string]struct{}),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the observation timestamp source, primarily for tests.
func (o *ManualOracle) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	o.mu.Lock()
	o.nowFn = now
	o.mu.Unlock()
}

// Submit records a score for the subject, replacing any prior observation and
// clearing a pending request.
func (o *ManualOracle) Submit(subject string, score *big.Int, source string) error {
	if o == nil {
		return fmt.Errorf("oracle: not configured")
	}
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return fmt.Errorf("oracle: subject required")
	}
	if score == nil || score.Sign() < 0 {
		return fmt.Errorf("oracle: score must be non-negative")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples[trimmed] = Sample{
		Subject:    trimmed,
		Score:      new(big.Int).Set(score),
		Source:     strings.TrimSpace(source),
		ObservedAt: o.nowFn(),
	}
	delete(o.pending, trimmed)
	return nil
}

// SubmitDecimal parses a decimal score string and records it.
func (o *ManualOracle) SubmitDecimal(subject, score, source string) error {
	trimmed := strings.TrimSpace(score)
	if trimmed == "" {
		return fmt.Errorf("oracle: score required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return fmt.Errorf("oracle: invalid score %q", score)
	}
	return o.Submit(subject, value, source)
}

// GetScore returns the recorded score for the subject.
func (o *ManualOracle) GetScore(subject string) (*big.Int, error) {
	if o == nil {
		return nil, fmt.Errorf("oracle: not configured")
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	sample, ok := o.samples[strings.TrimSpace(subject)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoScore, subject)
	}
	return new(big.Int).Set(sample.Score), nil
}

// RequestScore flags the subject so feed pollers know data is wanted. It is a
// no-op once a score exists.
func (o *ManualOracle) RequestScore(subject string) {
	if o == nil {
		return
	}
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.samples[trimmed]; ok {
		return
	}
	o.pending[trimmed] = struct{}{}
}

// Pending lists subjects with an outstanding score request, sorted for stable
// iteration.
func (o *ManualOracle) Pending() []string {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.pending))
	for subject := range o.pending {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out
}

// Sample returns the full observation for a subject when present.
func (o *ManualOracle) Sample(subject string) (Sample, bool) {
	if o == nil {
		return Sample{}, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	sample, ok := o.samples[strings.TrimSpace(subject)]
	if !ok {
		return Sample{}, false
	}
	return sample.Clone(), true
}

// Samples returns every recorded observation sorted by subject.
func (o *ManualOracle) Samples() []Sample {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Sample, 0, len(o.samples))
	for _, sample := range o.samples {
		out = append(out, sample.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}
