package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"pulsemarket/storage"
)

// ErrInsufficientBalance indicates a debit larger than the account's
// collateral balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

// Manager persists all market-service records on a storage.Database. Records
// are JSON documents under readable prefixed keys; collateral and token
// balances are stored as fixed-width uint256 words so oversized values fail
// loudly at the write site instead of truncating.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager wraps the database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func accountKey(addr [20]byte) []byte {
	return []byte("account/" + hex.EncodeToString(addr[:]))
}

func encodeBigInt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBigInt(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt integer %q", raw)
	}
	return value, nil
}

func encodeBalance(v *big.Int) ([]byte, error) {
	if v == nil {
		v = big.NewInt(0)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("state: negative balance")
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("state: balance overflow")
	}
	encoded := word.Bytes32()
	return encoded[:], nil
}

func decodeBalance(raw []byte) (*big.Int, error) {
	if len(raw) == 0 {
		return big.NewInt(0), nil
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("state: corrupt balance word (%d bytes)", len(raw))
	}
	word := new(uint256.Int).SetBytes(raw)
	return word.ToBig(), nil
}

func (m *Manager) readBalance(key []byte) (*big.Int, error) {
	raw, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return decodeBalance(raw)
}

func (m *Manager) writeBalance(key []byte, balance *big.Int) error {
	encoded, err := encodeBalance(balance)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// BalanceOf reports the account's collateral balance, zero for unknown
// accounts.
func (m *Manager) BalanceOf(addr [20]byte) (*big.Int, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state manager not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBalance(accountKey(addr))
}

// Credit adds collateral to an account. It backs genesis seeding and the
// administrative faucet.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.readBalance(accountKey(addr))
	if err != nil {
		return err
	}
	return m.writeBalance(accountKey(addr), new(big.Int).Add(balance, amount))
}

// Transfer moves collateral between accounts. The debit and credit happen
// under one lock so concurrent transfers cannot interleave reads and writes.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	source, err := m.readBalance(accountKey(from))
	if err != nil {
		return err
	}
	if source.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, source, amount)
	}
	dest, err := m.readBalance(accountKey(to))
	if err != nil {
		return err
	}
	if err := m.writeBalance(accountKey(from), new(big.Int).Sub(source, amount)); err != nil {
		return err
	}
	return m.writeBalance(accountKey(to), new(big.Int).Add(dest, amount))
}
