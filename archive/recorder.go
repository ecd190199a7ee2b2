package archive

import (
	"context"
	"log/slog"
	"time"

	"pulsemarket/core/events"
	"pulsemarket/core/types"

	"pulsemarket/native/market"
)

// Recorder bridges the engine's event stream into the archive. It satisfies
// events.Emitter so it can be wired wherever the engine expects a subscriber;
// insert failures are logged rather than surfaced because emission has no
// error path back into the trade.
type Recorder struct {
	archive *Archive
	nowFn   func() time.Time
}

var _ events.Emitter = (*Recorder)(nil)

// NewRecorder wraps the archive in an event subscriber.
func NewRecorder(a *Archive) *Recorder {
	return &Recorder{archive: a, nowFn: time.Now}
}

// SetNowFunc overrides the timestamp source (used by tests).
func (r *Recorder) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.nowFn = now
	}
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || r.archive == nil || evt == nil {
		return
	}
	provider, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := provider.Event()
	if payload == nil {
		return
	}
	attrs := payload.Attributes
	recorded := r.nowFn().UTC()
	ctx := context.Background()
	switch payload.Type {
	case market.EventTypeMarketPurchase:
		err := r.archive.RecordTrade(ctx, TradeRow{
			MarketID:   attrs["id"],
			Buyer:      attrs["buyer"],
			Side:       attrs["side"],
			Amount:     attrs["amount"],
			Cost:       attrs["cost"],
			Fee:        attrs["fee"],
			Refund:     attrs["refund"],
			Price:      attrs["price"],
			Counter:    attrs["counter"],
			RecordedAt: recorded,
		})
		if err != nil {
			slog.Warn("archive: record trade failed", "market", attrs["id"], "err", err)
		}
	case market.EventTypeMarketSettled:
		err := r.archive.RecordSettlement(ctx, SettlementRow{
			MarketID:     attrs["id"],
			FinalScore:   attrs["final_score"],
			LongWon:      attrs["long_won"] == "true",
			LongReserve:  attrs["long_reserve"],
			ShortReserve: attrs["short_reserve"],
			PayoutPool:   attrs["total_reserve"],
			ProtocolFees: attrs["protocol_fees"],
			Digest:       attrs["digest"],
			RecordedAt:   recorded,
		})
		if err != nil {
			slog.Warn("archive: record settlement failed", "market", attrs["id"], "err", err)
		}
	case market.EventTypeRewardClaimed:
		err := r.archive.RecordClaim(ctx, ClaimRow{
			MarketID:   attrs["id"],
			Account:    attrs["account"],
			Payout:     attrs["payout"],
			RecordedAt: recorded,
		})
		if err != nil {
			slog.Warn("archive: record claim failed", "market", attrs["id"], "err", err)
		}
	}
}
