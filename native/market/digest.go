package market

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// SettlementRecord is the canonical, order-stable encoding of a settlement
// outcome. Its hash is carried on the settlement event and archived so
// operators can verify a settlement row was not altered after the fact.
type SettlementRecord struct {
	MarketID     string
	FinalScore   []byte
	LongWon      bool
	LongSupply   []byte
	ShortSupply  []byte
	LongReserve  []byte
	ShortReserve []byte
	TotalReserve []byte
	ProtocolFees []byte
	SettledAt    int64
}

// NewSettlementRecord snapshots the post-settlement market fields.
func NewSettlementRecord(m *Market, settledAt int64) SettlementRecord {
	rec := SettlementRecord{
		MarketID:  m.ID,
		LongWon:   m.LongWon,
		SettledAt: settledAt,
	}
	if m.FinalScore != nil {
		rec.FinalScore = m.FinalScore.Bytes()
	}
	rec.LongSupply = m.LongSupply.Bytes()
	rec.ShortSupply = m.ShortSupply.Bytes()
	rec.LongReserve = m.LongReserve.Bytes()
	rec.ShortReserve = m.ShortReserve.Bytes()
	rec.TotalReserve = m.TotalReserve.Bytes()
	rec.ProtocolFees = m.ProtocolFees.Bytes()
	return rec
}

// CanonicalHash returns the blake3 digest of the length-delimited record
// encoding. Field order is fixed; changing it would invalidate archived
// digests.
func (r SettlementRecord) CanonicalHash() ([32]byte, error) {
	var zero [32]byte
	if r.MarketID == "" {
		return zero, fmt.Errorf("%w: settlement record missing market id", ErrInvalidParams)
	}
	buf := bytes.NewBuffer(nil)
	if err := writeDelimited(buf, []byte(r.MarketID)); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, r.FinalScore); err != nil {
		return zero, err
	}
	won := byte(0)
	if r.LongWon {
		won = 1
	}
	buf.WriteByte(won)
	for _, field := range [][]byte{
		r.LongSupply, r.ShortSupply,
		r.LongReserve, r.ShortReserve,
		r.TotalReserve, r.ProtocolFees,
	} {
		if err := writeDelimited(buf, field); err != nil {
			return zero, err
		}
	}
	if err := binary.Write(buf, binary.BigEndian, r.SettledAt); err != nil {
		return zero, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	return nil
}
