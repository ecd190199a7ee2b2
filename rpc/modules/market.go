package modules

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"pulsemarket/crypto"
	"pulsemarket/native/market"
	"pulsemarket/native/oracle"
	"pulsemarket/observability"
	marketmetrics "pulsemarket/observability/metrics"
	"pulsemarket/state"
)

// MarketModule exposes the trading and query operations behind the JSON-RPC
// market_* methods. The registry resolves raw identifiers to their canonical
// form before the engine is invoked. Mutating calls hold a per-market lock so
// concurrent requests against one market execute serially.
type MarketModule struct {
	registry *market.Registry
	engine   *market.Engine

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMarketModule constructs the market RPC module.
func NewMarketModule(registry *market.Registry, engine *market.Engine) *MarketModule {
	return &MarketModule{
		registry: registry,
		engine:   engine,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockMarket acquires the serialisation lock for a canonical market id and
// returns the release func.
func (m *MarketModule) lockMarket(id string) func() {
	m.mu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

var errMarketModuleOffline = &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "market module not initialised"}

type buyParams struct {
	ID      string `json:"id"`
	Buyer   string `json:"buyer"`
	Side    string `json:"side"`
	Amount  string `json:"amount"`
	Payment string `json:"payment"`
}

type marketIDParams struct {
	ID string `json:"id"`
}

type accountParams struct {
	ID      string `json:"id"`
	Account string `json:"account"`
}

type priceParams struct {
	ID     string `json:"id"`
	Amount string `json:"amount,omitempty"`
}

// PurchaseResult mirrors the engine's trade receipt in wire form.
type PurchaseResult struct {
	MarketID     string `json:"marketId"`
	Buyer        string `json:"buyer"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Cost         string `json:"cost"`
	Fee          string `json:"fee"`
	Refund       string `json:"refund"`
	Price        string `json:"price"`
	TradeCounter string `json:"tradeCounter"`
}

// MarketResult is the full accounting view of one market.
type MarketResult struct {
	ID             string  `json:"id"`
	Theta          string  `json:"theta"`
	Alpha          string  `json:"alpha"`
	Deadline       int64   `json:"settlementDeadline"`
	CurveA         string  `json:"curveA"`
	CurveB         string  `json:"curveB"`
	TradeFeeRate   string  `json:"tradeFeeRate"`
	SettleRakeRate string  `json:"settleRakeRate"`
	FeePrecision   string  `json:"feePrecision"`
	LongSupply     string  `json:"longSupply"`
	ShortSupply    string  `json:"shortSupply"`
	LongReserve    string  `json:"longReserve"`
	ShortReserve   string  `json:"shortReserve"`
	TotalReserve   string  `json:"totalReserve"`
	ProtocolFees   string  `json:"protocolFees"`
	Price          string  `json:"price"`
	Settled        bool    `json:"settled"`
	FinalScore     *string `json:"finalScore,omitempty"`
	LongWon        *bool   `json:"longWon,omitempty"`
	Vault          string  `json:"vault"`
	CreatedAt      int64   `json:"createdAt"`
}

// MarketSummary is the condensed listing view.
type MarketSummary struct {
	ID          string `json:"id"`
	Deadline    int64  `json:"settlementDeadline"`
	Price       string `json:"price"`
	LongSupply  string `json:"longSupply"`
	ShortSupply string `json:"shortSupply"`
	Settled     bool   `json:"settled"`
}

// PositionResult reports one account's holdings in a market.
type PositionResult struct {
	MarketID     string `json:"marketId"`
	Account      string `json:"account"`
	LongTokens   string `json:"longTokens"`
	ShortTokens  string `json:"shortTokens"`
	TradeCounter string `json:"tradeCounter"`
	Claimed      bool   `json:"claimed"`
}

// QuoteResult carries the spot price and, when an amount was supplied, the
// curve cost for that amount.
type QuoteResult struct {
	MarketID string `json:"marketId"`
	Price    string `json:"price"`
	Amount   string `json:"amount,omitempty"`
	Cost     string `json:"cost,omitempty"`
}

// PayoutResult reports the pro-rata payout an account would receive.
type PayoutResult struct {
	MarketID string `json:"marketId"`
	Account  string `json:"account"`
	Payout   string `json:"payout"`
}

// ClaimResult reports a disbursed reward claim.
type ClaimResult struct {
	MarketID string `json:"marketId"`
	Account  string `json:"account"`
	Payout   string `json:"payout"`
}

// Buy executes a position purchase.
func (m *MarketModule) Buy(raw json.RawMessage) (*PurchaseResult, *ModuleError) {
	if m == nil || m.registry == nil || m.engine == nil {
		return nil, errMarketModuleOffline
	}
	var params buyParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	side, err := market.ParseSide(params.Side)
	if err != nil {
		return nil, mapMarketError(err)
	}
	buyer, modErr := parseAccount(params.Buyer, "buyer")
	if modErr != nil {
		return nil, modErr
	}
	amount, modErr := parseAmount(params.Amount, "amount")
	if modErr != nil {
		return nil, modErr
	}
	payment, modErr := parseAmount(params.Payment, "payment")
	if modErr != nil {
		return nil, modErr
	}

	unlock := m.lockMarket(resolved.ID)
	defer unlock()
	receipt, err := m.engine.Buy(buyer, resolved.ID, side, amount, payment)
	if err != nil {
		return nil, mapMarketError(err)
	}
	observability.Events().RecordTradeVolume(receipt.Side.String(), receipt.Cost)
	return &PurchaseResult{
		MarketID:     receipt.MarketID,
		Buyer:        crypto.MustNewAddress(crypto.PulsePrefix, receipt.Buyer[:]).String(),
		Side:         receipt.Side.String(),
		Amount:       bigString(receipt.Amount),
		Cost:         bigString(receipt.Cost),
		Fee:          bigString(receipt.Fee),
		Refund:       bigString(receipt.Refund),
		Price:        bigString(receipt.NewPrice),
		TradeCounter: bigString(receipt.TradeCounter),
	}, nil
}

// Settle resolves a market against the bound oracle.
func (m *MarketModule) Settle(raw json.RawMessage) (*MarketResult, *ModuleError) {
	if m == nil || m.registry == nil || m.engine == nil {
		return nil, errMarketModuleOffline
	}
	var params marketIDParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	unlock := m.lockMarket(resolved.ID)
	defer unlock()
	settled, err := m.engine.Settle(resolved.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}

	registry := marketmetrics.Market()
	registry.RecordSettlement(settled.ID, settled.LongWon, settled.TotalReserve)
	winnerSupply := settled.ShortSupply
	if settled.LongWon {
		winnerSupply = settled.LongSupply
	}
	if winnerSupply == nil || winnerSupply.Sign() == 0 {
		registry.RecordStrandedReserve(settled.ID, settled.TotalReserve)
	}
	return marketResult(settled), nil
}

// Claim disburses a winning account's payout.
func (m *MarketModule) Claim(raw json.RawMessage) (*ClaimResult, *ModuleError) {
	if m == nil || m.registry == nil || m.engine == nil {
		return nil, errMarketModuleOffline
	}
	var params accountParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	account, modErr := parseAccount(params.Account, "account")
	if modErr != nil {
		return nil, modErr
	}
	unlock := m.lockMarket(resolved.ID)
	defer unlock()
	payout, err := m.engine.ClaimReward(resolved.ID, account)
	if err != nil {
		switch {
		case errors.Is(err, market.ErrNoWinnings):
			marketmetrics.Market().RecordClaim("empty")
		case errors.Is(err, market.ErrAlreadyClaimed):
			marketmetrics.Market().RecordClaim("duplicate")
		}
		return nil, mapMarketError(err)
	}
	marketmetrics.Market().RecordClaim("paid")
	return &ClaimResult{
		MarketID: resolved.ID,
		Account:  params.Account,
		Payout:   bigString(payout),
	}, nil
}

// Get returns the full market record.
func (m *MarketModule) Get(raw json.RawMessage) (*MarketResult, *ModuleError) {
	if m == nil || m.registry == nil {
		return nil, errMarketModuleOffline
	}
	var params marketIDParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	return marketResult(resolved), nil
}

// List returns summaries for every registered market in creation order.
func (m *MarketModule) List(json.RawMessage) ([]MarketSummary, *ModuleError) {
	if m == nil || m.registry == nil {
		return nil, errMarketModuleOffline
	}
	markets, err := m.registry.Markets()
	if err != nil {
		return nil, mapMarketError(err)
	}
	summaries := make([]MarketSummary, 0, len(markets))
	for _, entry := range markets {
		summaries = append(summaries, MarketSummary{
			ID:          entry.ID,
			Deadline:    entry.SettlementDeadline,
			Price:       bigString(entry.CurrentPrice()),
			LongSupply:  bigString(entry.LongSupply),
			ShortSupply: bigString(entry.ShortSupply),
			Settled:     entry.Settled,
		})
	}
	return summaries, nil
}

// Price quotes the spot price, plus the curve cost when an amount is given.
func (m *MarketModule) Price(raw json.RawMessage) (*QuoteResult, *ModuleError) {
	if m == nil || m.registry == nil {
		return nil, errMarketModuleOffline
	}
	var params priceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	result := &QuoteResult{
		MarketID: resolved.ID,
		Price:    bigString(resolved.CurrentPrice()),
	}
	if strings.TrimSpace(params.Amount) != "" {
		amount, modErr := parseAmount(params.Amount, "amount")
		if modErr != nil {
			return nil, modErr
		}
		result.Amount = amount.String()
		result.Cost = bigString(resolved.CostToBuy(amount))
	}
	return result, nil
}

// Position reports an account's holdings in a market.
func (m *MarketModule) Position(raw json.RawMessage) (*PositionResult, *ModuleError) {
	if m == nil || m.registry == nil || m.engine == nil {
		return nil, errMarketModuleOffline
	}
	var params accountParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	account, modErr := parseAccount(params.Account, "account")
	if modErr != nil {
		return nil, modErr
	}
	position, err := m.engine.Position(resolved.ID, account)
	if err != nil {
		return nil, mapMarketError(err)
	}
	return &PositionResult{
		MarketID:     resolved.ID,
		Account:      params.Account,
		LongTokens:   bigString(position.LongTokens),
		ShortTokens:  bigString(position.ShortTokens),
		TradeCounter: bigString(position.TradeCounter),
		Claimed:      position.Claimed,
	}, nil
}

// Payout previews the pro-rata reward an account could claim.
func (m *MarketModule) Payout(raw json.RawMessage) (*PayoutResult, *ModuleError) {
	if m == nil || m.registry == nil || m.engine == nil {
		return nil, errMarketModuleOffline
	}
	var params accountParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err)
	}
	resolved, err := m.registry.Get(params.ID)
	if err != nil {
		return nil, mapMarketError(err)
	}
	account, modErr := parseAccount(params.Account, "account")
	if modErr != nil {
		return nil, modErr
	}
	payout, err := m.engine.PayoutOf(resolved.ID, account)
	if err != nil {
		return nil, mapMarketError(err)
	}
	return &PayoutResult{
		MarketID: resolved.ID,
		Account:  params.Account,
		Payout:   bigString(payout),
	}, nil
}

func marketResult(m *market.Market) *MarketResult {
	result := &MarketResult{
		ID:             m.ID,
		Theta:          bigString(m.Theta),
		Alpha:          bigString(m.Alpha),
		Deadline:       m.SettlementDeadline,
		CurveA:         bigString(m.CurveA),
		CurveB:         bigString(m.CurveB),
		TradeFeeRate:   bigString(m.TradeFeeRate),
		SettleRakeRate: bigString(m.SettleRakeRate),
		FeePrecision:   bigString(m.FeePrecision),
		LongSupply:     bigString(m.LongSupply),
		ShortSupply:    bigString(m.ShortSupply),
		LongReserve:    bigString(m.LongReserve),
		ShortReserve:   bigString(m.ShortReserve),
		TotalReserve:   bigString(m.TotalReserve),
		ProtocolFees:   bigString(m.ProtocolFees),
		Price:          bigString(m.CurrentPrice()),
		Settled:        m.Settled,
		Vault:          crypto.MustNewAddress(crypto.PulsePrefix, m.Vault[:]).String(),
		CreatedAt:      m.CreatedAt,
	}
	if m.Settled {
		if m.FinalScore != nil {
			score := m.FinalScore.String()
			result.FinalScore = &score
		}
		longWon := m.LongWon
		result.LongWon = &longWon
	}
	return result
}

func parseAccount(value, field string) ([20]byte, *ModuleError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, invalidParams(field+" is required", nil)
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, invalidParams("invalid "+field+" address", err)
	}
	return decoded.Array(), nil
}

func parseAmount(value, field string) (*big.Int, *ModuleError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, invalidParams(field+" is required", nil)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams(field+" must be a decimal integer", nil)
	}
	if amount.Sign() <= 0 {
		return nil, invalidParams(field+" must be positive", nil)
	}
	return amount, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func invalidParams(message string, err error) *ModuleError {
	modErr := &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: message}
	if err != nil {
		modErr.Data = err.Error()
	}
	return modErr
}

// mapMarketError translates engine sentinels into transport errors. Conflicts
// with market state map to 409 so clients can distinguish retryable
// validation problems from terminal ones.
func mapMarketError(err error) *ModuleError {
	switch {
	case errors.Is(err, market.ErrMarketNotFound):
		return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, market.ErrInvalidParams),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInsufficientPayment),
		errors.Is(err, state.ErrInsufficientBalance):
		return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, market.ErrMarketClosed),
		errors.Is(err, market.ErrTooEarly),
		errors.Is(err, market.ErrAlreadySettled),
		errors.Is(err, market.ErrNotSettled),
		errors.Is(err, market.ErrAlreadyClaimed),
		errors.Is(err, market.ErrNoWinnings),
		errors.Is(err, market.ErrNoFees),
		errors.Is(err, market.ErrDuplicateMarket),
		errors.Is(err, market.ErrReentrantCall),
		errors.Is(err, market.ErrScoreUnavailable),
		errors.Is(err, oracle.ErrNoScore):
		return &ModuleError{HTTPStatus: http.StatusConflict, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, market.ErrUnauthorized):
		return &ModuleError{HTTPStatus: http.StatusForbidden, Code: codeServerError, Message: err.Error()}
	default:
		return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "internal error", Data: err.Error()}
	}
}
