package token

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"pulsemarket/native/market"
)

type ledgerKey struct {
	marketID string
	side     market.Side
}

type mockLedgerState struct {
	tokens   map[ledgerKey]*Token
	balances map[ledgerKey]map[[20]byte]*big.Int
}

func newMockLedgerState() *mockLedgerState {
	return &mockLedgerState{
		tokens:   make(map[ledgerKey]*Token),
		balances: make(map[ledgerKey]map[[20]byte]*big.Int),
	}
}

func (m *mockLedgerState) TokenGet(marketID string, side market.Side) (*Token, bool, error) {
	record, ok := m.tokens[ledgerKey{marketID: marketID, side: side}]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (m *mockLedgerState) TokenPut(t *Token) error {
	m.tokens[ledgerKey{marketID: t.MarketID, side: t.Side}] = t.Clone()
	return nil
}

func (m *mockLedgerState) TokenBalanceGet(marketID string, side market.Side, account [20]byte) (*big.Int, error) {
	balances, ok := m.balances[ledgerKey{marketID: marketID, side: side}]
	if !ok {
		return nil, nil
	}
	if balance, ok := balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return nil, nil
}

func (m *mockLedgerState) TokenBalancePut(marketID string, side market.Side, account [20]byte, balance *big.Int) error {
	key := ledgerKey{marketID: marketID, side: side}
	if m.balances[key] == nil {
		m.balances[key] = make(map[[20]byte]*big.Int)
	}
	m.balances[key][account] = new(big.Int).Set(balance)
	return nil
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestLedger() (*Ledger, *mockLedgerState) {
	state := newMockLedgerState()
	ledger := NewLedger()
	ledger.SetState(state)
	ledger.SetNowFunc(func() int64 { return 1_700_000_000 })
	return ledger, state
}

func TestCreateToken(t *testing.T) {
	ledger, _ := newTestLedger()
	vault := testAddress(0xAA)

	if err := ledger.Create("clip-1", market.SideLong, vault); err != nil {
		t.Fatalf("create: %v", err)
	}
	record, err := ledger.Token("clip-1", market.SideLong)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if record.Owner != vault {
		t.Fatalf("unexpected owner")
	}
	if record.Symbol != "PL:clip-1" {
		t.Fatalf("unexpected symbol: %s", record.Symbol)
	}
	if record.Supply.Sign() != 0 {
		t.Fatalf("expected zero supply, got %s", record.Supply)
	}
	if record.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected created at: %d", record.CreatedAt)
	}

	if err := ledger.Create("clip-1", market.SideLong, vault); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := ledger.Create("clip-1", market.SideShort, vault); err != nil {
		t.Fatalf("short leg must be independent: %v", err)
	}
	if err := ledger.Create("  ", market.SideLong, vault); err == nil {
		t.Fatalf("expected error for blank market id")
	}
	if err := ledger.Create("clip-2", market.SideUnspecified, vault); err == nil {
		t.Fatalf("expected error for invalid side")
	}
}

func TestMintRequiresOwner(t *testing.T) {
	ledger, _ := newTestLedger()
	vault := testAddress(0xAA)
	alice := testAddress(0x01)
	if err := ledger.Create("clip-1", market.SideLong, vault); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ledger.Mint(alice, "clip-1", market.SideLong, alice, big.NewInt(10)); !errors.Is(err, ErrUnauthorizedMint) {
		t.Fatalf("expected ErrUnauthorizedMint, got %v", err)
	}
	if err := ledger.Mint(vault, "clip-1", market.SideShort, alice, big.NewInt(10)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := ledger.Mint(vault, "clip-1", market.SideLong, alice, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := ledger.Mint(vault, "clip-1", market.SideLong, alice, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestMintAccumulatesBalanceAndSupply(t *testing.T) {
	ledger, _ := newTestLedger()
	vault := testAddress(0xAA)
	alice := testAddress(0x01)
	bob := testAddress(0x02)
	if err := ledger.Create("clip-1", market.SideLong, vault); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ledger.Mint(vault, "clip-1", market.SideLong, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(vault, "clip-1", market.SideLong, alice, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(vault, "clip-1", market.SideLong, bob, big.NewInt(25)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	balance, err := ledger.BalanceOf("clip-1", market.SideLong, alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected 150, got %s", balance)
	}
	supply, err := ledger.Supply("clip-1", market.SideLong)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(175)) != 0 {
		t.Fatalf("expected supply 175, got %s", supply)
	}

	untouched, err := ledger.BalanceOf("clip-1", market.SideShort, alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if untouched.Sign() != 0 {
		t.Fatalf("short side must be untouched, got %s", untouched)
	}
}
