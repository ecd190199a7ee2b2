package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"pulsemarket/native/market"
	"pulsemarket/storage"
)

type marketRecord struct {
	ID                 string `json:"id"`
	Theta              string `json:"theta"`
	Alpha              string `json:"alpha"`
	SettlementDeadline int64  `json:"settlementDeadline"`
	CurveA             string `json:"curveA"`
	CurveB             string `json:"curveB"`
	TradeFeeRate       string `json:"tradeFeeRate"`
	SettleRakeRate     string `json:"settleRakeRate"`
	FeePrecision       string `json:"feePrecision"`
	LongSupply         string `json:"longSupply"`
	ShortSupply        string `json:"shortSupply"`
	LongReserve        string `json:"longReserve"`
	ShortReserve       string `json:"shortReserve"`
	TotalReserve       string `json:"totalReserve"`
	ProtocolFees       string `json:"protocolFees"`
	Settled            bool   `json:"settled"`
	FinalScore         string `json:"finalScore,omitempty"`
	LongWon            bool   `json:"longWon"`
	Vault              string `json:"vault"`
	CreatedAt          int64  `json:"createdAt"`
}

type holderRecord struct {
	Address      string `json:"address"`
	LongTokens   string `json:"longTokens"`
	ShortTokens  string `json:"shortTokens"`
	TradeCounter string `json:"tradeCounter"`
	Claimed      bool   `json:"claimed"`
}

func marketKey(id string) []byte {
	return []byte("market/" + id)
}

func holderKey(id string, addr [20]byte) []byte {
	return []byte("market/" + id + "/holder/" + hex.EncodeToString(addr[:]))
}

func holdersIndexKey(id string) []byte {
	return []byte("market/" + id + "/holders")
}

var marketIndexKey = []byte("market-index")

func decodeAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return addr, fmt.Errorf("state: corrupt address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("state: corrupt address length %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func marketToRecord(m *market.Market) marketRecord {
	record := marketRecord{
		ID:                 m.ID,
		Theta:              encodeBigInt(m.Theta),
		Alpha:              encodeBigInt(m.Alpha),
		SettlementDeadline: m.SettlementDeadline,
		CurveA:             encodeBigInt(m.CurveA),
		CurveB:             encodeBigInt(m.CurveB),
		TradeFeeRate:       encodeBigInt(m.TradeFeeRate),
		SettleRakeRate:     encodeBigInt(m.SettleRakeRate),
		FeePrecision:       encodeBigInt(m.FeePrecision),
		LongSupply:         encodeBigInt(m.LongSupply),
		ShortSupply:        encodeBigInt(m.ShortSupply),
		LongReserve:        encodeBigInt(m.LongReserve),
		ShortReserve:       encodeBigInt(m.ShortReserve),
		TotalReserve:       encodeBigInt(m.TotalReserve),
		ProtocolFees:       encodeBigInt(m.ProtocolFees),
		Settled:            m.Settled,
		LongWon:            m.LongWon,
		Vault:              hex.EncodeToString(m.Vault[:]),
		CreatedAt:          m.CreatedAt,
	}
	if m.FinalScore != nil {
		record.FinalScore = m.FinalScore.String()
	}
	return record
}

func recordToMarket(record marketRecord) (*market.Market, error) {
	m := &market.Market{
		ID:                 record.ID,
		SettlementDeadline: record.SettlementDeadline,
		Settled:            record.Settled,
		LongWon:            record.LongWon,
		CreatedAt:          record.CreatedAt,
	}
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"theta", record.Theta, &m.Theta},
		{"alpha", record.Alpha, &m.Alpha},
		{"curveA", record.CurveA, &m.CurveA},
		{"curveB", record.CurveB, &m.CurveB},
		{"tradeFeeRate", record.TradeFeeRate, &m.TradeFeeRate},
		{"settleRakeRate", record.SettleRakeRate, &m.SettleRakeRate},
		{"feePrecision", record.FeePrecision, &m.FeePrecision},
		{"longSupply", record.LongSupply, &m.LongSupply},
		{"shortSupply", record.ShortSupply, &m.ShortSupply},
		{"longReserve", record.LongReserve, &m.LongReserve},
		{"shortReserve", record.ShortReserve, &m.ShortReserve},
		{"totalReserve", record.TotalReserve, &m.TotalReserve},
		{"protocolFees", record.ProtocolFees, &m.ProtocolFees},
	}
	for _, field := range fields {
		value, err := decodeBigInt(field.raw)
		if err != nil {
			return nil, fmt.Errorf("state: market %s field %s: %w", record.ID, field.name, err)
		}
		*field.dst = value
	}
	if record.FinalScore != "" {
		score, err := decodeBigInt(record.FinalScore)
		if err != nil {
			return nil, fmt.Errorf("state: market %s final score: %w", record.ID, err)
		}
		m.FinalScore = score
	}
	vault, err := decodeAddress(record.Vault)
	if err != nil {
		return nil, fmt.Errorf("state: market %s vault: %w", record.ID, err)
	}
	m.Vault = vault
	return m, nil
}

// MarketGet loads a market record by id.
func (m *Manager) MarketGet(id string) (*market.Market, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, fmt.Errorf("state manager not configured")
	}
	raw, err := m.db.Get(marketKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var record marketRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("state: decode market %s: %w", id, err)
	}
	decoded, err := recordToMarket(record)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

// MarketPut persists a market record after sanitising it.
func (m *Manager) MarketPut(record *market.Market) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	sanitized, err := market.SanitizeMarket(record)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(marketToRecord(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(marketKey(sanitized.ID), payload)
}

// HolderGet loads one account's position in a market.
func (m *Manager) HolderGet(marketID string, addr [20]byte) (*market.HolderPosition, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, fmt.Errorf("state manager not configured")
	}
	raw, err := m.db.Get(holderKey(marketID, addr))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var record holderRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("state: decode holder: %w", err)
	}
	pos := &market.HolderPosition{Claimed: record.Claimed}
	if pos.Address, err = decodeAddress(record.Address); err != nil {
		return nil, false, err
	}
	if pos.LongTokens, err = decodeBigInt(record.LongTokens); err != nil {
		return nil, false, err
	}
	if pos.ShortTokens, err = decodeBigInt(record.ShortTokens); err != nil {
		return nil, false, err
	}
	if pos.TradeCounter, err = decodeBigInt(record.TradeCounter); err != nil {
		return nil, false, err
	}
	return pos, true, nil
}

// HolderPut persists one account's position in a market.
func (m *Manager) HolderPut(marketID string, pos *market.HolderPosition) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	if pos == nil {
		return fmt.Errorf("state: nil holder position")
	}
	payload, err := json.Marshal(holderRecord{
		Address:      hex.EncodeToString(pos.Address[:]),
		LongTokens:   encodeBigInt(pos.LongTokens),
		ShortTokens:  encodeBigInt(pos.ShortTokens),
		TradeCounter: encodeBigInt(pos.TradeCounter),
		Claimed:      pos.Claimed,
	})
	if err != nil {
		return err
	}
	return m.db.Put(holderKey(marketID, pos.Address), payload)
}

func (m *Manager) readStringList(key []byte) ([]string, error) {
	raw, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("state: decode index: %w", err)
	}
	return out, nil
}

func (m *Manager) appendStringList(key []byte, value string) error {
	list, err := m.readStringList(key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(append(list, value))
	if err != nil {
		return err
	}
	return m.db.Put(key, payload)
}

// HolderAppend adds an address to a market's first-trade index.
func (m *Manager) HolderAppend(marketID string, addr [20]byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	return m.appendStringList(holdersIndexKey(marketID), hex.EncodeToString(addr[:]))
}

// HolderAddresses enumerates the market's holders in first-trade order.
func (m *Manager) HolderAddresses(marketID string) ([][20]byte, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state manager not configured")
	}
	entries, err := m.readStringList(holdersIndexKey(marketID))
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(entries))
	for _, entry := range entries {
		addr, err := decodeAddress(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// MarketIDs returns every registered market id in creation order.
func (m *Manager) MarketIDs() ([]string, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state manager not configured")
	}
	return m.readStringList(marketIndexKey)
}

// MarketIDsAppend appends a market id to the enumeration index.
func (m *Manager) MarketIDsAppend(id string) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager not configured")
	}
	return m.appendStringList(marketIndexKey, id)
}
