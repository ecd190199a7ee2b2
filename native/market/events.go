package market

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"pulsemarket/core/types"
	"pulsemarket/crypto"
)

const (
	EventTypeMarketCreated  = "market.created"
	EventTypeMarketPurchase = "market.purchase"
	EventTypeMarketSettled  = "market.settled"
	EventTypeRewardClaimed  = "market.reward_claimed"
	EventTypeFeesWithdrawn  = "market.fees_withdrawn"
	EventTypeOracleRebound  = "market.registry.oracle_updated"
	EventTypeAlphaUpdated   = "market.registry.alpha_updated"
)

// NewCreatedEvent returns the canonical payload for a newly registered market.
func NewCreatedEvent(m *Market) *types.Event {
	attrs := map[string]string{
		"id":                  m.ID,
		"theta":               bigIntString(m.Theta),
		"alpha":               bigIntString(m.Alpha),
		"settlement_deadline": fmt.Sprintf("%d", m.SettlementDeadline),
		"curve_a":             bigIntString(m.CurveA),
		"curve_b":             bigIntString(m.CurveB),
		"vault":               addressString(m.Vault),
	}
	return &types.Event{Type: EventTypeMarketCreated, Attributes: attrs}
}

// NewPurchaseEvent returns the canonical payload emitted after a position
// purchase, carrying the account, side, token amount and curve cost.
func NewPurchaseEvent(r *PurchaseReceipt) *types.Event {
	attrs := map[string]string{
		"id":      r.MarketID,
		"buyer":   addressString(r.Buyer),
		"side":    r.Side.String(),
		"amount":  bigIntString(r.Amount),
		"cost":    bigIntString(r.Cost),
		"fee":     bigIntString(r.Fee),
		"refund":  bigIntString(r.Refund),
		"price":   bigIntString(r.NewPrice),
		"counter": bigIntString(r.TradeCounter),
	}
	return &types.Event{Type: EventTypeMarketPurchase, Attributes: attrs}
}

// NewSettledEvent returns the canonical payload for the single settlement
// transition, including the post-redistribution reserves so downstream
// consumers can observe stranded collateral.
func NewSettledEvent(m *Market, digest [32]byte) *types.Event {
	attrs := map[string]string{
		"id":            m.ID,
		"final_score":   bigIntString(m.FinalScore),
		"long_won":      fmt.Sprintf("%t", m.LongWon),
		"long_reserve":  bigIntString(m.LongReserve),
		"short_reserve": bigIntString(m.ShortReserve),
		"total_reserve": bigIntString(m.TotalReserve),
		"protocol_fees": bigIntString(m.ProtocolFees),
		"digest":        hex.EncodeToString(digest[:]),
	}
	return &types.Event{Type: EventTypeMarketSettled, Attributes: attrs}
}

// NewRewardClaimedEvent returns the canonical payload for a successful claim.
func NewRewardClaimedEvent(marketID string, account [20]byte, payout *big.Int) *types.Event {
	attrs := map[string]string{
		"id":      marketID,
		"account": addressString(account),
		"payout":  bigIntString(payout),
	}
	return &types.Event{Type: EventTypeRewardClaimed, Attributes: attrs}
}

// NewFeesWithdrawnEvent returns the canonical payload for a fee sweep.
func NewFeesWithdrawnEvent(marketID string, to [20]byte, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"id":     marketID,
		"to":     addressString(to),
		"amount": bigIntString(amount),
	}
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: attrs}
}

// NewOracleReboundEvent returns the payload emitted when the registry owner
// rebinds the score oracle to a different source.
func NewOracleReboundEvent(source string) *types.Event {
	return &types.Event{Type: EventTypeOracleRebound, Attributes: map[string]string{
		"source": source,
	}}
}

// NewAlphaUpdatedEvent returns the payload emitted when the registry owner
// changes the default threshold multiplier.
func NewAlphaUpdatedEvent(alpha *big.Int) *types.Event {
	return &types.Event{Type: EventTypeAlphaUpdated, Attributes: map[string]string{
		"alpha": bigIntString(alpha),
	}}
}

func addressString(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.PulsePrefix, addr[:]).String()
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
