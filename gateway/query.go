package gateway

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pulsemarket/archive"
	"pulsemarket/crypto"
	"pulsemarket/native/market"
	marketmetrics "pulsemarket/observability/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type marketPayload struct {
	ID           string  `json:"id"`
	Theta        string  `json:"theta"`
	Alpha        string  `json:"alpha"`
	Deadline     int64   `json:"settlementDeadline"`
	LongSupply   string  `json:"longSupply"`
	ShortSupply  string  `json:"shortSupply"`
	LongReserve  string  `json:"longReserve"`
	ShortReserve string  `json:"shortReserve"`
	TotalReserve string  `json:"totalReserve"`
	ProtocolFees string  `json:"protocolFees"`
	Price        string  `json:"price"`
	Settled      bool    `json:"settled"`
	FinalScore   *string `json:"finalScore,omitempty"`
	LongWon      *bool   `json:"longWon,omitempty"`
	Vault        string  `json:"vault"`
	CreatedAt    int64   `json:"createdAt"`
}

func marketView(m *market.Market) marketPayload {
	view := marketPayload{
		ID:           m.ID,
		Theta:        bigString(m.Theta),
		Alpha:        bigString(m.Alpha),
		Deadline:     m.SettlementDeadline,
		LongSupply:   bigString(m.LongSupply),
		ShortSupply:  bigString(m.ShortSupply),
		LongReserve:  bigString(m.LongReserve),
		ShortReserve: bigString(m.ShortReserve),
		TotalReserve: bigString(m.TotalReserve),
		ProtocolFees: bigString(m.ProtocolFees),
		Price:        bigString(m.CurrentPrice()),
		Settled:      m.Settled,
		Vault:        crypto.MustNewAddress(crypto.PulsePrefix, m.Vault[:]).String(),
		CreatedAt:    m.CreatedAt,
	}
	if m.Settled {
		score := bigString(m.FinalScore)
		won := m.LongWon
		view.FinalScore = &score
		view.LongWon = &won
	}
	return view
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.registry.Markets()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]marketPayload, 0, len(markets))
	for _, m := range markets {
		views = append(views, marketView(m))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"markets": views})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	detail := struct {
		marketPayload
		TradeCount int64  `json:"tradeCount"`
		Volume     string `json:"volume"`
	}{marketPayload: marketView(resolved), Volume: "0"}
	if s.store != nil {
		if count, err := s.store.TradeCount(r.Context(), resolved.ID); err == nil {
			detail.TradeCount = count
		}
		if volume, err := s.store.Volume(r.Context(), resolved.ID); err == nil {
			detail.Volume = bigString(volume)
		}
	}
	s.writeJSON(w, http.StatusOK, detail)
}

type tradePayload struct {
	ID         string    `json:"id"`
	MarketID   string    `json:"marketId"`
	Buyer      string    `json:"buyer"`
	Side       string    `json:"side"`
	Amount     string    `json:"amount"`
	Cost       string    `json:"cost"`
	Fee        string    `json:"fee"`
	Refund     string    `json:"refund"`
	Price      string    `json:"price"`
	Counter    string    `json:"counter"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (s *Server) marketTrades(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("archive not configured"))
		return
	}
	rows, err := s.store.Trades(r.Context(), resolved.ID, historyLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	trades := make([]tradePayload, 0, len(rows))
	for _, row := range rows {
		trades = append(trades, tradePayload{
			ID:         row.ID,
			MarketID:   row.MarketID,
			Buyer:      row.Buyer,
			Side:       row.Side,
			Amount:     row.Amount,
			Cost:       row.Cost,
			Fee:        row.Fee,
			Refund:     row.Refund,
			Price:      row.Price,
			Counter:    row.Counter,
			RecordedAt: row.RecordedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"marketId": resolved.ID, "trades": trades})
}

type claimPayload struct {
	Account    string    `json:"account"`
	Payout     string    `json:"payout"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (s *Server) marketClaims(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("archive not configured"))
		return
	}
	rows, err := s.store.Claims(r.Context(), resolved.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	claims := make([]claimPayload, 0, len(rows))
	for _, row := range rows {
		claims = append(claims, claimPayload{Account: row.Account, Payout: row.Payout, RecordedAt: row.RecordedAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"marketId": resolved.ID, "claims": claims})
}

type settlementPayload struct {
	MarketID     string    `json:"marketId"`
	FinalScore   string    `json:"finalScore"`
	LongWon      bool      `json:"longWon"`
	LongReserve  string    `json:"longReserve"`
	ShortReserve string    `json:"shortReserve"`
	PayoutPool   string    `json:"payoutPool"`
	ProtocolFees string    `json:"protocolFees"`
	Digest       string    `json:"digest"`
	RecordedAt   time.Time `json:"recordedAt"`
}

func (s *Server) marketSettlement(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("archive not configured"))
		return
	}
	row, err := s.store.Settlement(r.Context(), resolved.ID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, archive.ErrSettlementNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settlementPayload{
		MarketID:     row.MarketID,
		FinalScore:   row.FinalScore,
		LongWon:      row.LongWon,
		LongReserve:  row.LongReserve,
		ShortReserve: row.ShortReserve,
		PayoutPool:   row.PayoutPool,
		ProtocolFees: row.ProtocolFees,
		Digest:       row.Digest,
		RecordedAt:   row.RecordedAt,
	})
}

type samplePayload struct {
	Subject    string    `json:"subject"`
	Score      string    `json:"score"`
	Source     string    `json:"source"`
	ObservedAt int64     `json:"observedAt"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (s *Server) oracleSamples(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("archive not configured"))
		return
	}
	rows, err := s.store.Samples(r.Context(), subject, historyLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	samples := make([]samplePayload, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, samplePayload{
			Subject:    row.Subject,
			Score:      row.Score,
			Source:     row.Source,
			ObservedAt: row.ObservedAt,
			RecordedAt: row.RecordedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"subject": subject, "samples": samples})
}

type reconciliationPayload struct {
	MarketID        string `json:"marketId"`
	PayoutPool      string `json:"payoutPool"`
	ExpectedPayouts string `json:"expectedPayouts"`
	ClaimedTotal    string `json:"claimedTotal"`
	Outstanding     string `json:"outstanding"`
	RoundingDust    string `json:"roundingDust"`
	StrandedReserve string `json:"strandedReserve"`
	ClaimCount      int    `json:"claimCount"`
	Holders         int    `json:"holders"`
}

// marketReconciliation audits a settled market: the flooring in the payout
// split leaves up to winningSupply-1 units in the vault, and a market whose
// winning side holds no tokens strands the entire pool. Both residues are
// published as gauges here.
func (s *Server) marketReconciliation(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	if !m.Settled {
		s.writeError(w, http.StatusConflict, market.ErrNotSettled)
		return
	}

	holders, err := s.engine.Holders(m.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	expected := big.NewInt(0)
	for _, holder := range holders {
		share, err := s.engine.PayoutOf(m.ID, holder)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		expected.Add(expected, share)
	}

	claimed := big.NewInt(0)
	claimCount := 0
	if s.store != nil {
		rows, err := s.store.Claims(r.Context(), m.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		claimCount = len(rows)
		for _, row := range rows {
			if amount, ok := new(big.Int).SetString(row.Payout, 10); ok {
				claimed.Add(claimed, amount)
			}
		}
	}

	pool := m.TotalReserve
	report := reconciliationPayload{
		MarketID:        m.ID,
		PayoutPool:      bigString(pool),
		ExpectedPayouts: expected.String(),
		ClaimedTotal:    claimed.String(),
		Outstanding:     new(big.Int).Sub(expected, claimed).String(),
		RoundingDust:    "0",
		StrandedReserve: "0",
		ClaimCount:      claimCount,
		Holders:         len(holders),
	}

	winningSupply := m.ShortSupply
	if m.LongWon {
		winningSupply = m.LongSupply
	}
	if winningSupply == nil || winningSupply.Sign() == 0 {
		report.StrandedReserve = bigString(pool)
		marketmetrics.Market().RecordStrandedReserve(m.ID, pool)
	} else {
		dust := new(big.Int).Sub(pool, expected)
		report.RoundingDust = dust.String()
		marketmetrics.Market().RecordRoundingDust(m.ID, dust)
	}
	s.writeJSON(w, http.StatusOK, report)
}

func historyLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
