package market

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Side selects the long or short leg of a binary market.
type Side uint8

const (
	SideUnspecified Side = iota
	SideLong
	SideShort
)

// Valid reports whether the side is one of the two tradable legs.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unspecified"
	}
}

// ParseSide converts a wire-level side label into its enum value.
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return SideUnspecified, fmt.Errorf("%w: unknown side %q", ErrInvalidParams, value)
	}
}

// FeeParams carries the fixed-point fee configuration for a market. Rates are
// expressed against Precision (e.g. rate 100 with precision 10_000 is 1%).
type FeeParams struct {
	TradeFeeRate   *big.Int
	SettleRakeRate *big.Int
	Precision      *big.Int
}

// Validate checks the fee configuration is internally consistent.
func (f FeeParams) Validate() error {
	if f.Precision == nil || f.Precision.Sign() <= 0 {
		return fmt.Errorf("%w: fee precision must be positive", ErrInvalidParams)
	}
	for _, rate := range []*big.Int{f.TradeFeeRate, f.SettleRakeRate} {
		if rate == nil || rate.Sign() < 0 {
			return fmt.Errorf("%w: fee rates must be non-negative", ErrInvalidParams)
		}
		if rate.Cmp(f.Precision) > 0 {
			return fmt.Errorf("%w: fee rate exceeds precision", ErrInvalidParams)
		}
	}
	return nil
}

// Clone returns a deep copy of the fee configuration.
func (f FeeParams) Clone() FeeParams {
	return FeeParams{
		TradeFeeRate:   cloneBigInt(f.TradeFeeRate),
		SettleRakeRate: cloneBigInt(f.SettleRakeRate),
		Precision:      cloneBigInt(f.Precision),
	}
}

// Market is the append-only accounting record for one prediction subject. All
// monetary fields are integer base units; theta, alpha and the curve
// coefficients are 1e18 fixed point.
type Market struct {
	ID                 string
	Theta              *big.Int
	Alpha              *big.Int
	SettlementDeadline int64
	CurveA             *big.Int
	CurveB             *big.Int
	TradeFeeRate       *big.Int
	SettleRakeRate     *big.Int
	FeePrecision       *big.Int
	LongSupply         *big.Int
	ShortSupply        *big.Int
	LongReserve        *big.Int
	ShortReserve       *big.Int
	TotalReserve       *big.Int
	ProtocolFees       *big.Int
	Settled            bool
	FinalScore         *big.Int
	LongWon            bool
	Vault              [20]byte
	CreatedAt          int64
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored instance.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Theta = cloneBigInt(m.Theta)
	clone.Alpha = cloneBigInt(m.Alpha)
	clone.CurveA = cloneBigInt(m.CurveA)
	clone.CurveB = cloneBigInt(m.CurveB)
	clone.TradeFeeRate = cloneBigInt(m.TradeFeeRate)
	clone.SettleRakeRate = cloneBigInt(m.SettleRakeRate)
	clone.FeePrecision = cloneBigInt(m.FeePrecision)
	clone.LongSupply = cloneBigInt(m.LongSupply)
	clone.ShortSupply = cloneBigInt(m.ShortSupply)
	clone.LongReserve = cloneBigInt(m.LongReserve)
	clone.ShortReserve = cloneBigInt(m.ShortReserve)
	clone.TotalReserve = cloneBigInt(m.TotalReserve)
	clone.ProtocolFees = cloneBigInt(m.ProtocolFees)
	if m.FinalScore != nil {
		clone.FinalScore = new(big.Int).Set(m.FinalScore)
	}
	return &clone
}

// CombinedSupply returns longSupply + shortSupply, the input to the bonding
// curve regardless of which side is being bought.
func (m *Market) CombinedSupply() *big.Int {
	combined := new(big.Int)
	if m.LongSupply != nil {
		combined.Add(combined, m.LongSupply)
	}
	if m.ShortSupply != nil {
		combined.Add(combined, m.ShortSupply)
	}
	return combined
}

// SanitizeMarket validates and normalises a market definition, returning a
// cloned instance with all monetary fields non-nil. The original value is not
// mutated.
func SanitizeMarket(m *Market) (*Market, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil market", ErrInvalidParams)
	}
	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrInvalidParams)
	}
	clone := m.Clone()
	if clone.Theta == nil || clone.Theta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: theta must be positive", ErrInvalidAmount)
	}
	if clone.Alpha == nil || clone.Alpha.Sign() <= 0 {
		return nil, fmt.Errorf("%w: alpha must be positive", ErrInvalidAmount)
	}
	if err := (CurveParams{A: clone.CurveA, B: clone.CurveB}).Validate(); err != nil {
		return nil, err
	}
	if err := (FeeParams{TradeFeeRate: clone.TradeFeeRate, SettleRakeRate: clone.SettleRakeRate, Precision: clone.FeePrecision}).Validate(); err != nil {
		return nil, err
	}
	for _, field := range []**big.Int{
		&clone.LongSupply, &clone.ShortSupply,
		&clone.LongReserve, &clone.ShortReserve,
		&clone.TotalReserve, &clone.ProtocolFees,
	} {
		if *field == nil {
			*field = big.NewInt(0)
		}
		if (*field).Sign() < 0 {
			return nil, fmt.Errorf("%w: negative ledger field", ErrInvalidAmount)
		}
	}
	return clone, nil
}

// HolderPosition tracks one account's cumulative activity in a market. The
// trade counter aggregates token counts across both sides and exists solely
// to detect the first-ever trade; it carries no financial meaning.
type HolderPosition struct {
	Address      [20]byte
	LongTokens   *big.Int
	ShortTokens  *big.Int
	TradeCounter *big.Int
	Claimed      bool
}

// Clone returns a deep copy of the holder record.
func (p *HolderPosition) Clone() *HolderPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.LongTokens = cloneBigInt(p.LongTokens)
	clone.ShortTokens = cloneBigInt(p.ShortTokens)
	clone.TradeCounter = cloneBigInt(p.TradeCounter)
	return &clone
}

// VaultAddress derives the deterministic collateral vault address for a
// market id. The vault is an ordinary account owned by the engine.
func VaultAddress(id string) [20]byte {
	digest := ethcrypto.Keccak256([]byte("pulsemarket/market/vault/" + id))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// RegistryAddress derives the module address that authorises protocol fee
// withdrawal and receives the swept fees.
func RegistryAddress() [20]byte {
	digest := ethcrypto.Keccak256([]byte("pulsemarket/registry"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
