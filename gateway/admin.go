package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pulsemarket/archive"
	"pulsemarket/crypto"
	"pulsemarket/native/market"
	"pulsemarket/observability"
	marketmetrics "pulsemarket/observability/metrics"
	"pulsemarket/state"
)

type createMarketRequest struct {
	ID       string `json:"id"`
	Theta    string `json:"theta"`
	Alpha    string `json:"alpha,omitempty"`
	Deadline int64  `json:"deadline,omitempty"`
	ClosesIn string `json:"closesIn,omitempty"`
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("market id required"))
		return
	}
	theta, err := parsePositiveBig("theta", req.Theta)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var alpha *big.Int
	if strings.TrimSpace(req.Alpha) != "" {
		if alpha, err = parsePositiveBig("alpha", req.Alpha); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	deadline, err := s.resolveDeadline(req.Deadline, req.ClosesIn)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := s.registry.CreateMarket(market.CreateParams{
		ID:       req.ID,
		Theta:    theta,
		Alpha:    alpha,
		Deadline: deadline,
	})
	if err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	s.logger.Info("market created", "id", created.ID, "deadline", created.SettlementDeadline)
	s.writeJSON(w, http.StatusCreated, marketView(created))
}

// resolveDeadline accepts either an absolute unix timestamp or a relative
// duration, never both.
func (s *Server) resolveDeadline(deadline int64, closesIn string) (int64, error) {
	relative := strings.TrimSpace(closesIn)
	switch {
	case deadline != 0 && relative != "":
		return 0, errors.New("set either deadline or closesIn, not both")
	case deadline != 0:
		return deadline, nil
	case relative != "":
		d, err := time.ParseDuration(relative)
		if err != nil {
			return 0, fmt.Errorf("parse closesIn: %w", err)
		}
		if d <= 0 {
			return 0, errors.New("closesIn must be positive")
		}
		return s.nowFn().Add(d).Unix(), nil
	default:
		return 0, errors.New("a deadline or closesIn is required")
	}
}

type submitScoreRequest struct {
	Subject string `json:"subject"`
	Score   string `json:"score"`
	Source  string `json:"source"`
}

func (s *Server) submitScore(w http.ResponseWriter, r *http.Request) {
	var req submitScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("subject required"))
		return
	}
	score, ok := new(big.Int).SetString(strings.TrimSpace(req.Score), 10)
	if !ok || score.Sign() < 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("score must be a non-negative decimal"))
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "operator"
	}

	err := s.scores.Submit(req.Subject, score, source)
	observability.Oracle().RecordSample(source, err)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.store != nil {
		row := archive.SampleRow{
			Subject:    req.Subject,
			Score:      score.String(),
			Source:     source,
			ObservedAt: s.nowFn().Unix(),
		}
		if err := s.store.RecordSample(r.Context(), row); err != nil {
			s.logger.Error("archive oracle sample", "subject", req.Subject, "error", err)
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"subject": req.Subject,
		"score":   score.String(),
		"source":  source,
	})
}

type alphaRequest struct {
	Alpha string `json:"alpha"`
}

func (s *Server) setDefaultAlpha(w http.ResponseWriter, r *http.Request) {
	var req alphaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	alpha, err := parsePositiveBig("alpha", req.Alpha)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.SetDefaultAlpha(alpha); err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	s.logger.Info("default alpha updated", "alpha", alpha.String())
	s.writeJSON(w, http.StatusOK, map[string]string{"alpha": s.registry.DefaultAlpha().String()})
}

type rebindOracleRequest struct {
	Source string `json:"source"`
}

func (s *Server) rebindOracle(w http.ResponseWriter, r *http.Request) {
	var req rebindOracleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	source := strings.TrimSpace(req.Source)
	bound, ok := s.oracles[source]
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown oracle source %q", source))
		return
	}
	if err := s.registry.BindOracle(bound, source); err != nil {
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	s.logger.Info("oracle rebound", "source", source)
	s.writeJSON(w, http.StatusOK, map[string]string{"source": s.registry.OracleSource()})
}

func (s *Server) withdrawFees(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amount, err := s.registry.WithdrawFees(id)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrInsufficientBalance):
			// The vault kept less than the booked fees: the settled pool was
			// promised to winners in full, so part of the rake is stranded.
			marketmetrics.Market().RecordSweepFailure("insufficient_vault")
		case errors.Is(err, market.ErrNoFees), errors.Is(err, market.ErrMarketNotFound):
		default:
			marketmetrics.Market().RecordSweepFailure("")
		}
		s.writeError(w, statusForMarketError(err), err)
		return
	}
	registryAddr := s.registry.Address()
	destination := crypto.MustNewAddress(crypto.PulsePrefix, registryAddr[:]).String()
	s.logger.Info("fees withdrawn", "market", id, "amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]string{
		"marketId":    id,
		"amount":      amount.String(),
		"destination": destination,
	})
}

type creditRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) creditAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	amount, err := parsePositiveBig("amount", req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ledger.Credit(addr.Array(), amount); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	balance, err := s.ledger.BalanceOf(addr.Array())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("account credited", "address", addr.String(), "amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.String(),
		"balance": balance.String(),
	})
}

func parsePositiveBig(field, value string) (*big.Int, error) {
	parsed, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a decimal integer", field)
	}
	if parsed.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return parsed, nil
}
