package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"pulsemarket/native/market"
)

var (
	// ErrNotFound indicates the market/side pair has no token leg.
	ErrNotFound = errors.New("token: token not found")
	// ErrExists indicates the token leg was already created.
	ErrExists = errors.New("token: token already exists")
	// ErrUnauthorizedMint indicates a caller other than the owning vault
	// attempted to mint.
	ErrUnauthorizedMint = errors.New("token: mint not authorised")
	// ErrInvalidAmount indicates a nil or non-positive mint amount.
	ErrInvalidAmount = errors.New("token: invalid amount")
)

// Token describes one side of a market's position-token pair. Supply only
// grows; positions are redeemed against the vault at settlement rather than
// burned.
type Token struct {
	MarketID  string
	Side      market.Side
	Name      string
	Symbol    string
	Owner     [20]byte
	Supply    *big.Int
	CreatedAt int64
}

// Clone returns a deep copy of the descriptor.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Supply != nil {
		clone.Supply = new(big.Int).Set(t.Supply)
	} else {
		clone.Supply = big.NewInt(0)
	}
	return &clone
}

// ledgerState is the persistence surface for token descriptors and holder
// balances. Getters return owned copies.
type ledgerState interface {
	TokenGet(marketID string, side market.Side) (*Token, bool, error)
	TokenPut(t *Token) error
	TokenBalanceGet(marketID string, side market.Side, account [20]byte) (*big.Int, error)
	TokenBalancePut(marketID string, side market.Side, account [20]byte, balance *big.Int) error
}

// Ledger issues and tracks position tokens. It satisfies the market engine's
// token collaborator contract: minting is restricted to the vault recorded as
// owner at creation.
type Ledger struct {
	state ledgerState
	nowFn func() int64
}

var _ market.PositionTokens = (*Ledger)(nil)

// NewLedger constructs a ledger with wall-clock time.
func NewLedger() *Ledger {
	return &Ledger{nowFn: func() int64 { return time.Now().Unix() }}
}

// SetState configures the persistence backend.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetNowFunc overrides the creation timestamp source, primarily for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.nowFn = now
}

// Create registers the token leg for a market side with the vault as the only
// authorised minter.
func (l *Ledger) Create(marketID string, side market.Side, owner [20]byte) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("token ledger not configured")
	}
	trimmed := strings.TrimSpace(marketID)
	if trimmed == "" {
		return fmt.Errorf("token: market id required")
	}
	if !side.Valid() {
		return fmt.Errorf("token: invalid side")
	}
	if _, exists, err := l.state.TokenGet(trimmed, side); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s/%s", ErrExists, trimmed, side)
	}
	label := strings.ToUpper(side.String())
	record := &Token{
		MarketID:  trimmed,
		Side:      side,
		Name:      fmt.Sprintf("Pulse %s %s", side, trimmed),
		Symbol:    fmt.Sprintf("P%s:%s", label[:1], trimmed),
		Owner:     owner,
		Supply:    big.NewInt(0),
		CreatedAt: l.nowFn(),
	}
	return l.state.TokenPut(record)
}

// Mint credits freshly issued tokens to the account. Only the owner recorded
// at creation may call it.
func (l *Ledger) Mint(caller [20]byte, marketID string, side market.Side, account [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("token ledger not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	record, ok, err := l.state.TokenGet(marketID, side)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, marketID, side)
	}
	if caller != record.Owner {
		return fmt.Errorf("%w: %s/%s", ErrUnauthorizedMint, marketID, side)
	}
	balance, err := l.state.TokenBalanceGet(marketID, side, account)
	if err != nil {
		return err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	if err := l.state.TokenBalancePut(marketID, side, account, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	record.Supply = new(big.Int).Add(record.Supply, amount)
	return l.state.TokenPut(record)
}

// BalanceOf reports the account's holding, zero when untracked.
func (l *Ledger) BalanceOf(marketID string, side market.Side, account [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("token ledger not configured")
	}
	balance, err := l.state.TokenBalanceGet(marketID, side, account)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// Token returns the descriptor for a market side.
func (l *Ledger) Token(marketID string, side market.Side) (*Token, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("token ledger not configured")
	}
	record, ok, err := l.state.TokenGet(marketID, side)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, marketID, side)
	}
	return record, nil
}

// Supply reports the cumulative minted amount for a market side.
func (l *Ledger) Supply(marketID string, side market.Side) (*big.Int, error) {
	record, err := l.Token(marketID, side)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.Supply), nil
}
