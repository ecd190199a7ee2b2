package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pulsemarket/observability"
)

// HTTPDoer is the minimal HTTP client surface used by score sources, allowing
// tests to stub network access.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source resolves an engagement score for a market subject.
type Source interface {
	Name() string
	Fetch(ctx context.Context, subject string) (*big.Int, error)
}

// Submitter receives scores fetched by the feed and exposes the subjects that
// still need one. Both ManualOracle and PersistentOracle satisfy it.
type Submitter interface {
	Submit(subject string, score *big.Int, source string) error
	Pending() []string
}

// HTTPSource fetches scores from a JSON endpoint shaped as
// GET {endpoint}/scores/{subject} ->
// {"subject": "...", "score": "<decimal>", "observed_at": <unix>}.
type HTTPSource struct {
	client    HTTPDoer
	endpoint  string
	apiKey    string
	name      string
	maxAge    time.Duration
	nowFn     func() int64
	telemetry *observability.OracleMetrics
}

// NewHTTPSource builds a source against the given endpoint. A nil client
// falls back to http.DefaultClient.
func NewHTTPSource(client HTTPDoer, endpoint, apiKey, name string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		client:    client,
		endpoint:  strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		apiKey:    strings.TrimSpace(apiKey),
		name:      strings.TrimSpace(name),
		nowFn:     func() int64 { return time.Now().Unix() },
		telemetry: observability.Oracle(),
	}
}

// SetMaxAge bounds how old a reported observation may be. Zero disables the
// freshness check.
func (s *HTTPSource) SetMaxAge(maxAge time.Duration) {
	if maxAge < 0 {
		maxAge = 0
	}
	s.maxAge = maxAge
}

// SetNowFunc overrides the freshness clock, primarily for tests.
func (s *HTTPSource) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	s.nowFn = now
}

// Name identifies the source in events and logs.
func (s *HTTPSource) Name() string {
	if s == nil || s.name == "" {
		return "http"
	}
	return s.name
}

type scorePayload struct {
	Subject    string `json:"subject"`
	Score      string `json:"score"`
	ObservedAt int64  `json:"observed_at"`
}

// Fetch retrieves the subject's score.
func (s *HTTPSource) Fetch(ctx context.Context, subject string) (*big.Int, error) {
	if s == nil || s.endpoint == "" {
		return nil, fmt.Errorf("oracle source not configured")
	}
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle source: subject required")
	}
	target := s.endpoint + "/scores/" + url.PathEscape(trimmed)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("oracle source %s: status %d: %s", s.Name(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload scorePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("oracle source %s: decode: %w", s.Name(), err)
	}
	score, ok := new(big.Int).SetString(strings.TrimSpace(payload.Score), 10)
	if !ok {
		return nil, fmt.Errorf("oracle source %s: invalid score %q", s.Name(), payload.Score)
	}
	if score.Sign() < 0 {
		return nil, fmt.Errorf("oracle source %s: negative score", s.Name())
	}
	if payload.ObservedAt > 0 {
		age := time.Duration(s.nowFn()-payload.ObservedAt) * time.Second
		if age < 0 {
			age = 0
		}
		s.telemetry.RecordFreshness(trimmed, age)
		if s.maxAge > 0 && age > s.maxAge {
			return nil, fmt.Errorf("oracle source %s: %w for %s: observed %s ago", s.Name(), ErrStaleScore, trimmed, age)
		}
	}
	return score, nil
}

// Feed periodically resolves pending score requests against configured
// sources and submits the first successful answer.
type Feed struct {
	submitter Submitter
	sources   []Source
	interval  time.Duration
	timeout   time.Duration
	telemetry *observability.OracleMetrics
	once      sync.Once
}

// NewFeed wires a polling feed. At least one source is required and the
// interval must be positive.
func NewFeed(submitter Submitter, sources []Source, interval, timeout time.Duration) (*Feed, error) {
	if submitter == nil {
		return nil, fmt.Errorf("oracle feed: submitter required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("oracle feed: at least one source required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle feed: interval must be positive")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Feed{
		submitter: submitter,
		sources:   append([]Source{}, sources...),
		interval:  interval,
		timeout:   timeout,
		telemetry: observability.Oracle(),
	}, nil
}

// Run blocks, polling until the context is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	if f == nil {
		return fmt.Errorf("oracle feed not configured")
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.once.Do(func() {
		slog.Info("oracle/feed: started", "sources", len(f.sources), "interval", f.interval.String())
	})
	for {
		f.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one resolution pass over the pending subjects.
func (f *Feed) Tick(ctx context.Context) {
	if f == nil {
		return
	}
	pending := f.submitter.Pending()
	f.telemetry.SetPending(len(pending))
	for _, subject := range pending {
		if ctx.Err() != nil {
			return
		}
		f.resolve(ctx, subject)
	}
}

func (f *Feed) resolve(ctx context.Context, subject string) {
	for _, src := range f.sources {
		if src == nil {
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
		score, err := src.Fetch(fetchCtx, subject)
		cancel()
		if err != nil {
			f.telemetry.RecordSample(src.Name(), err)
			slog.Warn("oracle/feed: source fetch failed", "source", src.Name(), "subject", subject, "error", err)
			continue
		}
		err = f.submitter.Submit(subject, score, src.Name())
		f.telemetry.RecordSample(src.Name(), err)
		if err != nil {
			slog.Error("oracle/feed: submit failed", "source", src.Name(), "subject", subject, "error", err)
			continue
		}
		slog.Info("oracle/feed: score resolved", "source", src.Name(), "subject", subject, "score", score.String())
		return
	}
}
