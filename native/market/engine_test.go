package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"pulsemarket/core/events"
	"pulsemarket/core/types"
)

type mockState struct {
	markets  map[string]*Market
	holders  map[string]map[[20]byte]*HolderPosition
	index    map[string][][20]byte
	balances map[[20]byte]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		markets:  make(map[string]*Market),
		holders:  make(map[string]map[[20]byte]*HolderPosition),
		index:    make(map[string][][20]byte),
		balances: make(map[[20]byte]*big.Int),
	}
}

func (m *mockState) MarketGet(id string) (*Market, bool, error) {
	record, ok := m.markets[id]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (m *mockState) MarketPut(record *Market) error {
	sanitized, err := SanitizeMarket(record)
	if err != nil {
		return err
	}
	m.markets[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) HolderGet(marketID string, addr [20]byte) (*HolderPosition, bool, error) {
	positions, ok := m.holders[marketID]
	if !ok {
		return nil, false, nil
	}
	pos, ok := positions[addr]
	if !ok {
		return nil, false, nil
	}
	return pos.Clone(), true, nil
}

func (m *mockState) HolderPut(marketID string, pos *HolderPosition) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	positions, ok := m.holders[marketID]
	if !ok {
		positions = make(map[[20]byte]*HolderPosition)
		m.holders[marketID] = positions
	}
	positions[pos.Address] = pos.Clone()
	return nil
}

func (m *mockState) HolderAppend(marketID string, addr [20]byte) error {
	m.index[marketID] = append(m.index[marketID], addr)
	return nil
}

func (m *mockState) HolderAddresses(marketID string) ([][20]byte, error) {
	out := make([][20]byte, len(m.index[marketID]))
	copy(out, m.index[marketID])
	return out, nil
}

func (m *mockState) BalanceOf(addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	balance := m.balances[from]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m.balances[from] = new(big.Int).Sub(balance, amount)
	credit := m.balances[to]
	if credit == nil {
		credit = big.NewInt(0)
	}
	m.balances[to] = new(big.Int).Add(credit, amount)
	return nil
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.balances[addr] = big.NewInt(amount)
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

type tokenKey struct {
	marketID string
	side     Side
}

type mockTokens struct {
	owners   map[tokenKey][20]byte
	balances map[tokenKey]map[[20]byte]*big.Int
}

func newMockTokens() *mockTokens {
	return &mockTokens{
		owners:   make(map[tokenKey][20]byte),
		balances: make(map[tokenKey]map[[20]byte]*big.Int),
	}
}

func (m *mockTokens) Create(marketID string, side Side, owner [20]byte) error {
	key := tokenKey{marketID: marketID, side: side}
	if _, ok := m.owners[key]; ok {
		return fmt.Errorf("token exists")
	}
	m.owners[key] = owner
	m.balances[key] = make(map[[20]byte]*big.Int)
	return nil
}

func (m *mockTokens) Mint(caller [20]byte, marketID string, side Side, account [20]byte, amount *big.Int) error {
	key := tokenKey{marketID: marketID, side: side}
	owner, ok := m.owners[key]
	if !ok {
		return fmt.Errorf("token not found")
	}
	if caller != owner {
		return fmt.Errorf("mint not authorised")
	}
	balance := m.balances[key][account]
	if balance == nil {
		balance = big.NewInt(0)
	}
	m.balances[key][account] = new(big.Int).Add(balance, amount)
	return nil
}

func (m *mockTokens) BalanceOf(marketID string, side Side, account [20]byte) (*big.Int, error) {
	key := tokenKey{marketID: marketID, side: side}
	if bal, ok := m.balances[key][account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

type stubOracle struct {
	scores   map[string]*big.Int
	requests []string
}

func newStubOracle() *stubOracle {
	return &stubOracle{scores: make(map[string]*big.Int)}
}

func (o *stubOracle) GetScore(subject string) (*big.Int, error) {
	score, ok := o.scores[subject]
	if !ok {
		return nil, fmt.Errorf("no score for %s", subject)
	}
	return new(big.Int).Set(score), nil
}

func (o *stubOracle) RequestScore(subject string) {
	o.requests = append(o.requests, subject)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(marketEvent); ok && wrapper.evt != nil {
			clone := &types.Event{Type: wrapper.evt.Type, Attributes: map[string]string{}}
			keys := make([]string, 0, len(wrapper.evt.Attributes))
			for k := range wrapper.evt.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				clone.Attributes[k] = wrapper.evt.Attributes[k]
			}
			out = append(out, clone)
		}
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

const testNow = int64(1_700_000_000)

func newTestEngine(state *mockState, tokens *mockTokens, oracle ScoreOracle) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetTokens(tokens)
	engine.SetOracle(oracle)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine
}

// linearCurve prices every token at exactly one collateral unit so ledger
// assertions stay in whole numbers.
func linearCurve() CurveParams {
	return CurveParams{A: new(big.Int).Set(Scale), B: big.NewInt(0)}
}

func defaultFees() FeeParams {
	return FeeParams{
		TradeFeeRate:   big.NewInt(100),
		SettleRakeRate: big.NewInt(250),
		Precision:      big.NewInt(10_000),
	}
}

// halfScale is a 0.5x threshold multiplier.
func halfScale() *big.Int {
	return new(big.Int).Rsh(new(big.Int).Set(Scale), 1)
}

func mustCreateMarket(t *testing.T, engine *Engine, id string) *Market {
	t.Helper()
	m, err := engine.CreateMarket(id, big.NewInt(100), halfScale(), testNow+500, linearCurve(), defaultFees())
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func TestCreateMarketValidations(t *testing.T) {
	cases := []struct {
		name     string
		id       string
		theta    *big.Int
		alpha    *big.Int
		deadline int64
		curve    CurveParams
		fees     FeeParams
		wantErr  bool
	}{
		{"ok", "clip-1", big.NewInt(100), halfScale(), testNow + 500, linearCurve(), defaultFees(), false},
		{"empty id", "  ", big.NewInt(100), halfScale(), testNow + 500, linearCurve(), defaultFees(), true},
		{"zero theta", "clip-2", big.NewInt(0), halfScale(), testNow + 500, linearCurve(), defaultFees(), true},
		{"nil alpha", "clip-3", big.NewInt(100), nil, testNow + 500, linearCurve(), defaultFees(), true},
		{"degenerate curve", "clip-4", big.NewInt(100), halfScale(), testNow + 500, CurveParams{A: big.NewInt(0), B: big.NewInt(0)}, defaultFees(), true},
		{"zero fee precision", "clip-5", big.NewInt(100), halfScale(), testNow + 500, linearCurve(), FeeParams{TradeFeeRate: big.NewInt(1), SettleRakeRate: big.NewInt(1), Precision: big.NewInt(0)}, true},
		{"deadline in past", "clip-6", big.NewInt(100), halfScale(), testNow - 1, linearCurve(), defaultFees(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestEngine(newMockState(), newMockTokens(), newStubOracle())
			_, err := engine.CreateMarket(tc.id, tc.theta, tc.alpha, tc.deadline, tc.curve, tc.fees)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateMarketRegistersTokenPair(t *testing.T) {
	state := newMockState()
	tokens := newMockTokens()
	engine := newTestEngine(state, tokens, newStubOracle())

	m := mustCreateMarket(t, engine, "clip-1")
	if m.Vault != VaultAddress("clip-1") {
		t.Fatalf("unexpected vault address")
	}
	for _, side := range []Side{SideLong, SideShort} {
		owner, ok := tokens.owners[tokenKey{marketID: "clip-1", side: side}]
		if !ok {
			t.Fatalf("%s token not created", side)
		}
		if owner != m.Vault {
			t.Fatalf("%s token owner is not the vault", side)
		}
	}

	if _, err := engine.CreateMarket("clip-1", big.NewInt(100), halfScale(), testNow+500, linearCurve(), defaultFees()); !errors.Is(err, ErrDuplicateMarket) {
		t.Fatalf("expected ErrDuplicateMarket, got %v", err)
	}
}

func TestBuyHappyPath(t *testing.T) {
	state := newMockState()
	tokens := newMockTokens()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, tokens, newStubOracle())
	engine.SetEmitter(emitter)

	mustCreateMarket(t, engine, "clip-1")
	alice := newTestAddress(0x01)
	state.fund(alice, 1_000)

	receipt, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(101))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if receipt.Cost.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected cost 100, got %s", receipt.Cost)
	}
	if receipt.Fee.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected fee 1, got %s", receipt.Fee)
	}
	if receipt.Refund.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected refund 1, got %s", receipt.Refund)
	}
	if receipt.TradeCounter.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected trade counter 100, got %s", receipt.TradeCounter)
	}

	m, err := engine.Market("clip-1")
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if m.LongSupply.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected long supply 100, got %s", m.LongSupply)
	}
	if m.LongReserve.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("expected long reserve 99, got %s", m.LongReserve)
	}
	if m.TotalReserve.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("expected total reserve 99, got %s", m.TotalReserve)
	}
	if m.ProtocolFees.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected protocol fees 1, got %s", m.ProtocolFees)
	}

	if got := state.balance(alice); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected buyer balance 900, got %s", got)
	}
	if got := state.balance(m.Vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected vault balance 100, got %s", got)
	}

	minted, err := tokens.BalanceOf("clip-1", SideLong, alice)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if minted.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 long tokens, got %s", minted)
	}

	holders, err := engine.Holders("clip-1")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 || holders[0] != alice {
		t.Fatalf("unexpected holder index: %v", holders)
	}

	emitted := emitter.typesEvents()
	if len(emitted) != 2 {
		t.Fatalf("expected 2 events, got %d", len(emitted))
	}
	if emitted[0].Type != EventTypeMarketCreated {
		t.Fatalf("unexpected first event: %s", emitted[0].Type)
	}
	if emitted[1].Type != EventTypeMarketPurchase {
		t.Fatalf("unexpected second event: %s", emitted[1].Type)
	}
	if emitted[1].Attributes["side"] != "long" {
		t.Fatalf("unexpected side attribute: %s", emitted[1].Attributes["side"])
	}
}

func TestBuySecondTradeKeepsSingleIndexEntry(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newMockTokens(), newStubOracle())
	mustCreateMarket(t, engine, "clip-1")
	alice := newTestAddress(0x01)
	state.fund(alice, 1_000)

	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(10), big.NewInt(10)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := engine.Buy(alice, "clip-1", SideShort, big.NewInt(5), big.NewInt(5)); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	holders, err := engine.Holders("clip-1")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("expected one index entry, got %d", len(holders))
	}
	pos, err := engine.Position("clip-1", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.LongTokens.Cmp(big.NewInt(10)) != 0 || pos.ShortTokens.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected position: long=%s short=%s", pos.LongTokens, pos.ShortTokens)
	}
	if pos.TradeCounter.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("expected trade counter 15, got %s", pos.TradeCounter)
	}
}

func TestBuyValidations(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newMockTokens(), newStubOracle())
	mustCreateMarket(t, engine, "clip-1")
	alice := newTestAddress(0x01)
	state.fund(alice, 50)

	if _, err := engine.Buy(alice, "missing", SideLong, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
	if _, err := engine.Buy(alice, "clip-1", SideUnspecified, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(0), big.NewInt(1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(10), big.NewInt(9)); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	// Declared payment covers the cost but the account cannot fund it.
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(60), big.NewInt(60)); err == nil {
		t.Fatalf("expected transfer failure")
	}
}

func TestBuyRejectedAfterDeadline(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newMockTokens(), newStubOracle())
	mustCreateMarket(t, engine, "clip-1")
	alice := newTestAddress(0x01)
	state.fund(alice, 100)

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed, got %v", err)
	}
}

// Randomised trade sequence. After every buy the side reserves must sum to
// the cumulative pool and the side supplies to the minted total.
func TestBuyPreservesReserveInvariant(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newMockTokens(), newStubOracle())
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	state.fund(alice, 50_000)
	state.fund(bob, 50_000)

	rng := rand.New(rand.NewSource(42))
	minted := big.NewInt(0)
	for i := 0; i < 60; i++ {
		buyer := alice
		if rng.Intn(2) == 1 {
			buyer = bob
		}
		side := SideLong
		if rng.Intn(2) == 1 {
			side = SideShort
		}
		amount := big.NewInt(1 + rng.Int63n(100))
		if _, err := engine.Buy(buyer, "clip-1", side, amount, new(big.Int).Set(amount)); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		minted.Add(minted, amount)

		m, err := engine.Market("clip-1")
		if err != nil {
			t.Fatalf("trade %d snapshot: %v", i, err)
		}
		reserves := new(big.Int).Add(m.LongReserve, m.ShortReserve)
		if reserves.Cmp(m.TotalReserve) != 0 {
			t.Fatalf("trade %d: reserves %s+%s diverge from pool %s",
				i, m.LongReserve, m.ShortReserve, m.TotalReserve)
		}
		supply := new(big.Int).Add(m.LongSupply, m.ShortSupply)
		if supply.Cmp(minted) != 0 {
			t.Fatalf("trade %d: supply %s, want minted total %s", i, supply, minted)
		}
	}
}

func TestSettleLifecycle(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, newMockTokens(), oracle)
	engine.SetEmitter(emitter)
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	state.fund(alice, 1_000)
	state.fund(bob, 1_000)
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	if _, err := engine.Buy(bob, "clip-1", SideShort, big.NewInt(200), big.NewInt(200)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	if _, err := engine.Settle("clip-1"); !errors.Is(err, ErrTooEarly) {
		t.Fatalf("expected ErrTooEarly, got %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	if _, err := engine.Settle("clip-1"); !errors.Is(err, ErrScoreUnavailable) {
		t.Fatalf("expected ErrScoreUnavailable, got %v", err)
	}
	m, err := engine.Market("clip-1")
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if m.Settled {
		t.Fatalf("market must stay unsettled after oracle miss")
	}

	// Threshold is alpha*theta/Scale = 50; a score of 80 resolves long.
	oracle.scores["clip-1"] = big.NewInt(80)
	settled, err := engine.Settle("clip-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Settled || !settled.LongWon {
		t.Fatalf("expected long win, got %+v", settled)
	}
	if settled.FinalScore.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("unexpected final score: %s", settled.FinalScore)
	}
	// Rake is 2.5% of the losing reserve 198, floored to 4.
	if settled.ProtocolFees.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("expected protocol fees 7, got %s", settled.ProtocolFees)
	}
	if settled.LongReserve.Cmp(big.NewInt(293)) != 0 {
		t.Fatalf("expected long reserve 293, got %s", settled.LongReserve)
	}
	if settled.ShortReserve.Sign() != 0 {
		t.Fatalf("expected short reserve drained, got %s", settled.ShortReserve)
	}
	if settled.TotalReserve.Cmp(big.NewInt(297)) != 0 {
		t.Fatalf("expected total reserve 297, got %s", settled.TotalReserve)
	}

	if _, err := engine.Settle("clip-1"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	emitted := emitter.typesEvents()
	last := emitted[len(emitted)-1]
	if last.Type != EventTypeMarketSettled {
		t.Fatalf("expected settle event, got %s", last.Type)
	}
	if len(last.Attributes["digest"]) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %q", last.Attributes["digest"])
	}
}

func TestSettleShortWins(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	engine := newTestEngine(state, newMockTokens(), oracle)
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	state.fund(alice, 1_000)
	state.fund(bob, 1_000)
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(200), big.NewInt(200)); err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	if _, err := engine.Buy(bob, "clip-1", SideShort, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	oracle.scores["clip-1"] = big.NewInt(49)
	settled, err := engine.Settle("clip-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.LongWon {
		t.Fatalf("expected short win")
	}
	// Rake is 2.5% of the losing long reserve 198, floored to 4.
	if settled.ProtocolFees.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("expected protocol fees 7, got %s", settled.ProtocolFees)
	}
	if settled.ShortReserve.Cmp(big.NewInt(293)) != 0 {
		t.Fatalf("expected short reserve 293, got %s", settled.ShortReserve)
	}
	if settled.LongReserve.Sign() != 0 {
		t.Fatalf("expected long reserve drained, got %s", settled.LongReserve)
	}
}

func TestSettleBoundaryScoreResolvesLong(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	engine := newTestEngine(state, newMockTokens(), oracle)
	mustCreateMarket(t, engine, "clip-1")

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	oracle.scores["clip-1"] = big.NewInt(50)
	settled, err := engine.Settle("clip-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.LongWon {
		t.Fatalf("score equal to threshold must resolve long")
	}
}

func TestSettleEmptyWinningSideStrandsLosingReserve(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	engine := newTestEngine(state, newMockTokens(), oracle)
	mustCreateMarket(t, engine, "clip-1")

	bob := newTestAddress(0x02)
	state.fund(bob, 1_000)
	if _, err := engine.Buy(bob, "clip-1", SideShort, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	oracle.scores["clip-1"] = big.NewInt(80)
	settled, err := engine.Settle("clip-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.LongWon {
		t.Fatalf("expected long win")
	}
	// With no long supply the losing short reserve is not redistributed and
	// stays stranded in the ledger; only the empty winning reserve sweeps.
	if settled.ShortReserve.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("expected stranded short reserve 99, got %s", settled.ShortReserve)
	}
	if settled.ProtocolFees.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected only the trade fee accrued, got %s", settled.ProtocolFees)
	}

	payout, err := engine.PayoutOf("clip-1", bob)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout.Sign() != 0 {
		t.Fatalf("losing holder must have zero payout, got %s", payout)
	}
	if _, err := engine.ClaimReward("clip-1", bob); !errors.Is(err, ErrNoWinnings) {
		t.Fatalf("expected ErrNoWinnings, got %v", err)
	}
}

func TestPayoutProRata(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	engine := newTestEngine(state, newMockTokens(), oracle)
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	carol := newTestAddress(0x03)
	state.fund(alice, 1_000)
	state.fund(carol, 1_000)
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	if _, err := engine.Buy(carol, "clip-1", SideLong, big.NewInt(300), big.NewInt(310)); err != nil {
		t.Fatalf("carol buy: %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	oracle.scores["clip-1"] = big.NewInt(60)
	settled, err := engine.Settle("clip-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	alicePayout, err := engine.PayoutOf("clip-1", alice)
	if err != nil {
		t.Fatalf("alice payout: %v", err)
	}
	carolPayout, err := engine.PayoutOf("clip-1", carol)
	if err != nil {
		t.Fatalf("carol payout: %v", err)
	}
	expectedAlice := new(big.Int).Mul(settled.TotalReserve, big.NewInt(100))
	expectedAlice.Quo(expectedAlice, big.NewInt(400))
	if alicePayout.Cmp(expectedAlice) != 0 {
		t.Fatalf("expected alice payout %s, got %s", expectedAlice, alicePayout)
	}
	sum := new(big.Int).Add(alicePayout, carolPayout)
	if sum.Cmp(settled.TotalReserve) > 0 {
		t.Fatalf("payout sum %s exceeds pool %s", sum, settled.TotalReserve)
	}
}

func TestClaimRewardLifecycle(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, newMockTokens(), oracle)
	engine.SetEmitter(emitter)
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	state.fund(alice, 1_000)
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if _, err := engine.ClaimReward("clip-1", alice); !errors.Is(err, ErrNotSettled) {
		t.Fatalf("expected ErrNotSettled, got %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	oracle.scores["clip-1"] = big.NewInt(99)
	if _, err := engine.Settle("clip-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	paid, err := engine.ClaimReward("clip-1", alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("expected payout 99, got %s", paid)
	}
	if got := state.balance(alice); got.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("expected balance 999 after claim, got %s", got)
	}

	if _, err := engine.ClaimReward("clip-1", alice); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	emitted := emitter.typesEvents()
	last := emitted[len(emitted)-1]
	if last.Type != EventTypeRewardClaimed {
		t.Fatalf("expected claim event, got %s", last.Type)
	}
}

func TestWithdrawFees(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	engine := newTestEngine(state, newMockTokens(), oracle)
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	state.fund(alice, 1_000)
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if _, err := engine.WithdrawFees(newTestAddress(0x0F), "clip-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	registry := RegistryAddress()
	amount, err := engine.WithdrawFees(registry, "clip-1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected fee sweep 1, got %s", amount)
	}
	if got := state.balance(registry); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected registry balance 1, got %s", got)
	}
	m, err := engine.Market("clip-1")
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if m.ProtocolFees.Sign() != 0 {
		t.Fatalf("expected fees zeroed, got %s", m.ProtocolFees)
	}

	if _, err := engine.WithdrawFees(registry, "clip-1"); !errors.Is(err, ErrNoFees) {
		t.Fatalf("expected ErrNoFees, got %v", err)
	}
}

func TestWithdrawFeesCustomAuthority(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newMockTokens(), newStubOracle())
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	state.fund(alice, 1_000)
	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	treasury := newTestAddress(0x7E)
	engine.SetRegistry(treasury)

	if _, err := engine.WithdrawFees(RegistryAddress(), "clip-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for displaced authority, got %v", err)
	}
	amount, err := engine.WithdrawFees(treasury, "clip-1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected fee sweep 1, got %s", amount)
	}
	if got := state.balance(treasury); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected treasury balance 1, got %s", got)
	}
}

// reentrantOracle tries to trade on the market being settled from inside the
// score lookup.
type reentrantOracle struct {
	engine   *Engine
	marketID string
	buyer    [20]byte
	inner    error
	score    *big.Int
}

func (o *reentrantOracle) GetScore(string) (*big.Int, error) {
	_, o.inner = o.engine.Buy(o.buyer, o.marketID, SideLong, big.NewInt(1), big.NewInt(1))
	return new(big.Int).Set(o.score), nil
}

func (o *reentrantOracle) RequestScore(string) {}

func TestSettleRejectsReentrantTrade(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newMockTokens(), newStubOracle())
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	state.fund(alice, 1_000)
	oracle := &reentrantOracle{engine: engine, marketID: "clip-1", buyer: alice, score: big.NewInt(80)}
	engine.SetOracle(oracle)

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	if _, err := engine.Settle("clip-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !errors.Is(oracle.inner, ErrReentrantCall) {
		t.Fatalf("expected nested buy to fail with ErrReentrantCall, got %v", oracle.inner)
	}
}

// TestFullLifecycleScenario walks two accounts through trade, settlement and
// claims and pins every intermediate ledger number.
func TestFullLifecycleScenario(t *testing.T) {
	state := newMockState()
	oracle := newStubOracle()
	engine := newTestEngine(state, newMockTokens(), oracle)
	mustCreateMarket(t, engine, "clip-1")

	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	state.fund(alice, 500)
	state.fund(bob, 500)

	if _, err := engine.Buy(alice, "clip-1", SideLong, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	if _, err := engine.Buy(bob, "clip-1", SideShort, big.NewInt(200), big.NewInt(200)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	m, err := engine.Market("clip-1")
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if m.TotalReserve.Cmp(big.NewInt(297)) != 0 {
		t.Fatalf("expected total reserve 297, got %s", m.TotalReserve)
	}
	if m.ProtocolFees.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("expected fees 3, got %s", m.ProtocolFees)
	}

	engine.SetNowFunc(func() int64 { return testNow + 500 })
	oracle.scores["clip-1"] = big.NewInt(75)
	if _, err := engine.Settle("clip-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	paid, err := engine.ClaimReward("clip-1", alice)
	if err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	if paid.Cmp(big.NewInt(297)) != 0 {
		t.Fatalf("expected alice payout 297, got %s", paid)
	}
	if got := state.balance(alice); got.Cmp(big.NewInt(697)) != 0 {
		t.Fatalf("expected alice balance 697, got %s", got)
	}
	if _, err := engine.ClaimReward("clip-1", bob); !errors.Is(err, ErrNoWinnings) {
		t.Fatalf("expected bob claim to fail with ErrNoWinnings, got %v", err)
	}

	// The payout pool is lifetime collateral, so a full claim can leave the
	// vault short of the accrued fees; the sweep then fails at the transfer.
	if _, err := engine.WithdrawFees(RegistryAddress(), "clip-1"); err == nil {
		t.Fatalf("expected fee sweep to fail after exhaustive claim")
	} else if errors.Is(err, ErrNoFees) {
		t.Fatalf("fees were accrued, got %v", err)
	}
}
