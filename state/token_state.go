package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"pulsemarket/native/market"
	"pulsemarket/native/token"
	"pulsemarket/storage"
)

type tokenRecord struct {
	MarketID  string `json:"marketId"`
	Side      uint8  `json:"side"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Owner     string `json:"owner"`
	Supply    string `json:"supply"`
	CreatedAt int64  `json:"createdAt"`
}

func tokenDescriptorKey(marketID string, side market.Side) []byte {
	return []byte("token/" + marketID + "/" + side.String())
}

func tokenBalanceKey(marketID string, side market.Side, addr [20]byte) []byte {
	return []byte("token/" + marketID + "/" + side.String() + "/" + hex.EncodeToString(addr[:]))
}

// TokenGet loads a position-token descriptor.
func (m *Manager) TokenGet(marketID string, side market.Side) (*token.Token, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, fmt.Errorf("state manager not configured")
	}
	raw, err := m.db.Get(tokenDescriptorKey(marketID, side))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var record tokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("state: decode token: %w", err)
	}
	owner, err := decodeAddress(record.Owner)
	if err != nil {
		return nil, false, err
	}
	supply, err := decodeBigInt(record.Supply)
	if err != nil {
		return nil, false, err
	}
	return &token.Token{
		MarketID:  record.MarketID,
		Side:      market.Side(record.Side),
		Name:      record.Name,
		Symbol:    record.Symbol,
		Owner:     owner,
		Supply:    supply,
		CreatedAt: record.CreatedAt,
	}, true, nil
}

// TokenPut persists a position-token descriptor.
func (m *Manager) TokenPut(t *token.Token) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	if t == nil {
		return fmt.Errorf("state: nil token")
	}
	payload, err := json.Marshal(tokenRecord{
		MarketID:  t.MarketID,
		Side:      uint8(t.Side),
		Name:      t.Name,
		Symbol:    t.Symbol,
		Owner:     hex.EncodeToString(t.Owner[:]),
		Supply:    encodeBigInt(t.Supply),
		CreatedAt: t.CreatedAt,
	})
	if err != nil {
		return err
	}
	return m.db.Put(tokenDescriptorKey(t.MarketID, t.Side), payload)
}

// TokenBalanceGet loads an account's position-token balance; nil means the
// account holds no record.
func (m *Manager) TokenBalanceGet(marketID string, side market.Side, account [20]byte) (*big.Int, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state manager not configured")
	}
	raw, err := m.db.Get(tokenBalanceKey(marketID, side, account))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeBalance(raw)
}

// TokenBalancePut stores an account's position-token balance.
func (m *Manager) TokenBalancePut(marketID string, side market.Side, account [20]byte, balance *big.Int) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	encoded, err := encodeBalance(balance)
	if err != nil {
		return err
	}
	return m.db.Put(tokenBalanceKey(marketID, side, account), encoded)
}
