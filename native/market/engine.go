package market

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"pulsemarket/core/events"
	"pulsemarket/core/types"
)

// engineState is the persistence surface the engine depends on. Markets,
// holder records and collateral balances live behind it so tests can inject
// an in-memory implementation. Getters return owned copies; the engine
// mutates a returned record in place and persists it with the matching Put.
type engineState interface {
	MarketGet(id string) (*Market, bool, error)
	MarketPut(m *Market) error
	HolderGet(marketID string, addr [20]byte) (*HolderPosition, bool, error)
	HolderPut(marketID string, pos *HolderPosition) error
	HolderAppend(marketID string, addr [20]byte) error
	HolderAddresses(marketID string) ([][20]byte, error)
	BalanceOf(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

// PositionTokens is the external token collaborator: one fungible issuer per
// side per market whose mint is callable only by the owning market's vault
// identity.
type PositionTokens interface {
	Create(marketID string, side Side, owner [20]byte) error
	Mint(caller [20]byte, marketID string, side Side, account [20]byte, amount *big.Int) error
	BalanceOf(marketID string, side Side, account [20]byte) (*big.Int, error)
}

// ScoreOracle resolves a market subject to its final engagement score.
// GetScore fails while no score is registered; RequestScore is a
// fire-and-forget trigger that implementations may treat as a no-op.
type ScoreOracle interface {
	GetScore(subject string) (*big.Int, error)
	RequestScore(subject string)
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// PurchaseReceipt reports the observable outcome of a buy.
type PurchaseReceipt struct {
	MarketID     string
	Buyer        [20]byte
	Side         Side
	Amount       *big.Int
	Cost         *big.Int
	Fee          *big.Int
	Refund       *big.Int
	NewPrice     *big.Int
	TradeCounter *big.Int
}

// Engine executes the trading, settlement, payout and fee operations for all
// markets. Collaborators are injected: state, the position-token issuer and
// the score oracle have no concrete dependency here.
type Engine struct {
	state    engineState
	tokens   PositionTokens
	oracle   ScoreOracle
	emitter  events.Emitter
	registry [20]byte
	nowFn    func() int64

	guardMu sync.Mutex
	guards  map[string]*atomic.Bool
}

// NewEngine creates a market engine with a no-op emitter, the derived
// registry authority and wall-clock time. Callers override collaborators via
// the setters before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		registry: RegistryAddress(),
		nowFn:    func() int64 { return time.Now().Unix() },
		guards:   make(map[string]*atomic.Bool),
	}
}

// SetState configures the persistence backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokens configures the position-token collaborator.
func (e *Engine) SetTokens(tokens PositionTokens) { e.tokens = tokens }

// SetOracle configures the score oracle used at settlement.
func (e *Engine) SetOracle(oracle ScoreOracle) { e.oracle = oracle }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetRegistry overrides the identity authorised to withdraw protocol fees.
func (e *Engine) SetRegistry(addr [20]byte) { e.registry = addr }

// SetNowFunc overrides the engine's time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// acquire flips the per-market mutual-exclusion flag. Every state-mutating
// entry point holds it for the full operation so a nested call triggered by a
// collaborator cannot observe a half-applied ledger; the nested call fails
// with ErrReentrantCall instead of completing.
func (e *Engine) acquire(marketID string) (func(), error) {
	e.guardMu.Lock()
	guard, ok := e.guards[marketID]
	if !ok {
		guard = &atomic.Bool{}
		e.guards[marketID] = guard
	}
	e.guardMu.Unlock()
	if !guard.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrReentrantCall, marketID)
	}
	return func() { guard.Store(false) }, nil
}

// CreateMarket registers a new market with the supplied parameters, derives
// its vault and creates both position-token legs. The registry is the normal
// caller; it supplies defaults and maintains the enumeration index.
func (e *Engine) CreateMarket(id string, theta, alpha *big.Int, deadline int64, curve CurveParams, fees FeeParams) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine state not configured")
	}
	if e.tokens == nil {
		return nil, fmt.Errorf("market engine tokens not configured")
	}
	candidate := &Market{
		ID:                 id,
		Theta:              theta,
		Alpha:              alpha,
		SettlementDeadline: deadline,
		CurveA:             curve.A,
		CurveB:             curve.B,
		TradeFeeRate:       fees.TradeFeeRate,
		SettleRakeRate:     fees.SettleRakeRate,
		FeePrecision:       fees.Precision,
		Vault:              VaultAddress(id),
		CreatedAt:          e.now(),
	}
	sanitized, err := SanitizeMarket(candidate)
	if err != nil {
		return nil, err
	}
	if sanitized.SettlementDeadline <= sanitized.CreatedAt {
		return nil, fmt.Errorf("%w: settlement deadline not in the future", ErrInvalidParams)
	}
	if _, exists, err := e.state.MarketGet(sanitized.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, sanitized.ID)
	}
	for _, side := range []Side{SideLong, SideShort} {
		if err := e.tokens.Create(sanitized.ID, side, sanitized.Vault); err != nil {
			return nil, fmt.Errorf("create %s token: %w", side, err)
		}
	}
	if err := e.state.MarketPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Buy purchases position tokens on one side of a market. The declared payment
// is captured into the market vault up front and any excess over the curve
// cost is refunded as an explicit transfer after the ledger updates; the
// trade fee accrues to the protocol and the remainder funds the side's
// reserve.
func (e *Engine) Buy(buyer [20]byte, marketID string, side Side, tokenAmount, payment *big.Int) (*PurchaseReceipt, error) {
	if e == nil || e.state == nil || e.tokens == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	release, err := e.acquire(marketID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, ok, err := e.state.MarketGet(marketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side required", ErrInvalidParams)
	}
	if m.Settled || e.now() >= m.SettlementDeadline {
		return nil, fmt.Errorf("%w: %s", ErrMarketClosed, marketID)
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: token amount must be positive", ErrInvalidAmount)
	}
	if payment == nil || payment.Sign() < 0 {
		return nil, fmt.Errorf("%w: payment must be non-negative", ErrInvalidAmount)
	}

	cost := m.CostToBuy(tokenAmount)
	if payment.Cmp(cost) < 0 {
		return nil, fmt.Errorf("%w: need %s, declared %s", ErrInsufficientPayment, cost, payment)
	}
	fee := mulDiv(cost, m.TradeFeeRate, m.FeePrecision)
	net := new(big.Int).Sub(cost, fee)

	if err := e.state.Transfer(buyer, m.Vault, payment); err != nil {
		return nil, fmt.Errorf("capture payment: %w", err)
	}

	m.ProtocolFees.Add(m.ProtocolFees, fee)
	switch side {
	case SideLong:
		m.LongSupply.Add(m.LongSupply, tokenAmount)
		m.LongReserve.Add(m.LongReserve, net)
	case SideShort:
		m.ShortSupply.Add(m.ShortSupply, tokenAmount)
		m.ShortReserve.Add(m.ShortReserve, net)
	}
	m.TotalReserve.Add(m.TotalReserve, net)

	if err := e.tokens.Mint(m.Vault, m.ID, side, buyer, tokenAmount); err != nil {
		return nil, fmt.Errorf("mint position tokens: %w", err)
	}

	pos, found, err := e.state.HolderGet(m.ID, buyer)
	if err != nil {
		return nil, err
	}
	if !found {
		pos = &HolderPosition{
			Address:      buyer,
			LongTokens:   big.NewInt(0),
			ShortTokens:  big.NewInt(0),
			TradeCounter: big.NewInt(0),
		}
	}
	firstTrade := pos.TradeCounter.Sign() == 0
	switch side {
	case SideLong:
		pos.LongTokens.Add(pos.LongTokens, tokenAmount)
	case SideShort:
		pos.ShortTokens.Add(pos.ShortTokens, tokenAmount)
	}
	pos.TradeCounter.Add(pos.TradeCounter, tokenAmount)
	if err := e.state.HolderPut(m.ID, pos); err != nil {
		return nil, err
	}
	if firstTrade {
		if err := e.state.HolderAppend(m.ID, buyer); err != nil {
			return nil, err
		}
	}

	refund := new(big.Int).Sub(payment, cost)
	if refund.Sign() > 0 {
		if err := e.state.Transfer(m.Vault, buyer, refund); err != nil {
			return nil, fmt.Errorf("refund excess payment: %w", err)
		}
	}

	if err := e.state.MarketPut(m); err != nil {
		return nil, err
	}

	receipt := &PurchaseReceipt{
		MarketID:     m.ID,
		Buyer:        buyer,
		Side:         side,
		Amount:       cloneBigInt(tokenAmount),
		Cost:         cost,
		Fee:          fee,
		Refund:       refund,
		NewPrice:     m.CurrentPrice(),
		TradeCounter: cloneBigInt(pos.TradeCounter),
	}
	e.emit(NewPurchaseEvent(receipt))
	return receipt, nil
}

// Settle resolves the market outcome exactly once. The oracle lookup happens
// before any mutation, so a missing score leaves the market untouched and the
// caller is free to retry once data lands. The losing reserve moves to the
// winning side net of the rake; when the winning side has no supply its own
// reserve sweeps to protocol fees while the losing reserve stays in place.
// The two conditions are deliberately independent.
func (e *Engine) Settle(marketID string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	if e.oracle == nil {
		return nil, fmt.Errorf("market engine oracle not configured")
	}
	release, err := e.acquire(marketID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, ok, err := e.state.MarketGet(marketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if m.Settled {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, marketID)
	}
	now := e.now()
	if now < m.SettlementDeadline {
		return nil, fmt.Errorf("%w: %d seconds remain", ErrTooEarly, m.SettlementDeadline-now)
	}

	score, err := e.oracle.GetScore(m.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoreUnavailable, err)
	}
	if score == nil {
		return nil, fmt.Errorf("%w: oracle returned nil score", ErrScoreUnavailable)
	}

	threshold := mulDiv(m.Alpha, m.Theta, Scale)
	m.FinalScore = new(big.Int).Set(score)
	m.LongWon = score.Cmp(threshold) >= 0

	if m.LongWon {
		if m.ShortReserve.Sign() > 0 && m.LongSupply.Sign() > 0 {
			rake := mulDiv(m.ShortReserve, m.SettleRakeRate, m.FeePrecision)
			m.ProtocolFees.Add(m.ProtocolFees, rake)
			m.LongReserve.Add(m.LongReserve, new(big.Int).Sub(m.ShortReserve, rake))
			m.ShortReserve = big.NewInt(0)
		}
		if m.LongSupply.Sign() == 0 {
			m.ProtocolFees.Add(m.ProtocolFees, m.LongReserve)
			m.LongReserve = big.NewInt(0)
		}
	} else {
		if m.LongReserve.Sign() > 0 && m.ShortSupply.Sign() > 0 {
			rake := mulDiv(m.LongReserve, m.SettleRakeRate, m.FeePrecision)
			m.ProtocolFees.Add(m.ProtocolFees, rake)
			m.ShortReserve.Add(m.ShortReserve, new(big.Int).Sub(m.LongReserve, rake))
			m.LongReserve = big.NewInt(0)
		}
		if m.ShortSupply.Sign() == 0 {
			m.ProtocolFees.Add(m.ProtocolFees, m.ShortReserve)
			m.ShortReserve = big.NewInt(0)
		}
	}

	m.Settled = true
	if err := e.state.MarketPut(m); err != nil {
		return nil, err
	}

	digest, err := NewSettlementRecord(m, now).CanonicalHash()
	if err != nil {
		return nil, err
	}
	e.emit(NewSettledEvent(m, digest))
	return m.Clone(), nil
}

// PayoutOf computes the account's proportional claim without mutating state.
// The pool is totalReserve, the cumulative lifetime collateral from both
// sides, split pro rata across winning-side tokens with floor division.
// Losers and unsettled markets yield zero.
func (e *Engine) PayoutOf(marketID string, account [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	m, ok, err := e.state.MarketGet(marketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	pos, found, err := e.state.HolderGet(marketID, account)
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return payout(m, pos), nil
}

func payout(m *Market, pos *HolderPosition) *big.Int {
	if m == nil || pos == nil || !m.Settled {
		return big.NewInt(0)
	}
	holding := pos.ShortTokens
	supply := m.ShortSupply
	if m.LongWon {
		holding = pos.LongTokens
		supply = m.LongSupply
	}
	if holding == nil || holding.Sign() == 0 || supply == nil || supply.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(m.TotalReserve, holding, supply)
}

// ClaimReward disburses the caller's share of the payout pool exactly once.
// The vault transfer happens before the claimed flag is persisted so a failed
// transfer leaves the claim retryable.
func (e *Engine) ClaimReward(marketID string, account [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	release, err := e.acquire(marketID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, ok, err := e.state.MarketGet(marketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if !m.Settled {
		return nil, fmt.Errorf("%w: %s", ErrNotSettled, marketID)
	}
	pos, found, err := e.state.HolderGet(marketID, account)
	if err != nil {
		return nil, err
	}
	if found && pos.Claimed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, marketID)
	}
	amount := payout(m, pos)
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoWinnings, marketID)
	}
	if err := e.state.Transfer(m.Vault, account, amount); err != nil {
		return nil, fmt.Errorf("disburse payout: %w", err)
	}
	pos.Claimed = true
	if err := e.state.HolderPut(marketID, pos); err != nil {
		return nil, err
	}
	e.emit(NewRewardClaimedEvent(marketID, account, amount))
	return amount, nil
}

// WithdrawFees sweeps the accrued protocol fees to the registry. Only the
// registry identity fixed at construction may call it.
func (e *Engine) WithdrawFees(caller [20]byte, marketID string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	release, err := e.acquire(marketID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, ok, err := e.state.MarketGet(marketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if caller != e.registry {
		return nil, fmt.Errorf("%w: fee withdrawal is registry-gated", ErrUnauthorized)
	}
	if m.ProtocolFees.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFees, marketID)
	}
	amount := new(big.Int).Set(m.ProtocolFees)
	if err := e.state.Transfer(m.Vault, e.registry, amount); err != nil {
		return nil, fmt.Errorf("sweep fees: %w", err)
	}
	m.ProtocolFees = big.NewInt(0)
	if err := e.state.MarketPut(m); err != nil {
		return nil, err
	}
	e.emit(NewFeesWithdrawnEvent(marketID, e.registry, amount))
	return amount, nil
}

// Market returns a snapshot of the market record.
func (e *Engine) Market(marketID string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	m, ok, err := e.state.MarketGet(marketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return m, nil
}

// Position returns the holder ledger entry for an account, or an empty record
// when the account has never traded the market.
func (e *Engine) Position(marketID string, account [20]byte) (*HolderPosition, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	if _, ok, err := e.state.MarketGet(marketID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	pos, found, err := e.state.HolderGet(marketID, account)
	if err != nil {
		return nil, err
	}
	if !found {
		return &HolderPosition{
			Address:      account,
			LongTokens:   big.NewInt(0),
			ShortTokens:  big.NewInt(0),
			TradeCounter: big.NewInt(0),
		}, nil
	}
	return pos, nil
}

// Holders enumerates every account that has ever traded the market, in first
// trade order.
func (e *Engine) Holders(marketID string) ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("market engine not configured")
	}
	return e.state.HolderAddresses(marketID)
}

// mulDiv computes a·b/den with flooring division, keeping the intermediate
// product at full width.
func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}
