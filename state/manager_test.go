package state

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"pulsemarket/native/market"
	"pulsemarket/native/token"
	"pulsemarket/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestManager() *Manager {
	return NewManager(storage.NewMemDB())
}

func TestBalanceLifecycle(t *testing.T) {
	manager := newTestManager()
	alice := testAddress(0x01)

	balance, err := manager.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero for unknown account, got %s", balance)
	}

	if err := manager.Credit(alice, big.NewInt(500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := manager.Credit(alice, big.NewInt(250)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err = manager.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("expected 750, got %s", balance)
	}

	if err := manager.Credit(alice, big.NewInt(-1)); err == nil {
		t.Fatalf("expected error for negative credit")
	}
}

func TestTransfer(t *testing.T) {
	manager := newTestManager()
	alice := testAddress(0x01)
	bob := testAddress(0x02)
	if err := manager.Credit(alice, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := manager.Transfer(alice, bob, big.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBal, _ := manager.BalanceOf(alice)
	bobBal, _ := manager.BalanceOf(bob)
	if aliceBal.Cmp(big.NewInt(40)) != 0 || bobBal.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected balances: alice=%s bob=%s", aliceBal, bobBal)
	}

	if err := manager.Transfer(alice, bob, big.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := manager.Transfer(alice, bob, big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer must be a no-op: %v", err)
	}
	if err := manager.Transfer(alice, alice, big.NewInt(10)); err != nil {
		t.Fatalf("self transfer must be a no-op: %v", err)
	}
	if err := manager.Transfer(alice, bob, big.NewInt(-5)); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	aliceBal, _ = manager.BalanceOf(alice)
	if aliceBal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("failed transfers must not move funds, got %s", aliceBal)
	}
}

func TestBalanceOverflowRejected(t *testing.T) {
	manager := newTestManager()
	alice := testAddress(0x01)
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := manager.Credit(alice, tooBig); err == nil {
		t.Fatalf("expected overflow rejection")
	}
	balance, err := manager.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("failed credit must not persist, got %s", balance)
	}

	// The widest representable balance round-trips without loss.
	max := new(big.Int).Sub(tooBig, big.NewInt(1))
	if err := manager.Credit(alice, max); err != nil {
		t.Fatalf("credit max: %v", err)
	}
	balance, err = manager.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(max) != 0 {
		t.Fatalf("expected %s, got %s", max, balance)
	}
}

func TestMarketRoundTrip(t *testing.T) {
	manager := newTestManager()
	record := &market.Market{
		ID:                 "clip-1",
		Theta:              big.NewInt(100),
		Alpha:              new(big.Int).Rsh(new(big.Int).Set(market.Scale), 1),
		SettlementDeadline: 1_700_000_500,
		CurveA:             new(big.Int).Set(market.Scale),
		CurveB:             big.NewInt(3),
		TradeFeeRate:       big.NewInt(100),
		SettleRakeRate:     big.NewInt(250),
		FeePrecision:       big.NewInt(10_000),
		LongSupply:         big.NewInt(100),
		ShortSupply:        big.NewInt(200),
		LongReserve:        big.NewInt(99),
		ShortReserve:       big.NewInt(198),
		TotalReserve:       big.NewInt(297),
		ProtocolFees:       big.NewInt(3),
		Settled:            true,
		FinalScore:         big.NewInt(80),
		LongWon:            true,
		Vault:              market.VaultAddress("clip-1"),
		CreatedAt:          1_700_000_000,
	}
	if err := manager.MarketPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, found, err := manager.MarketGet("clip-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatalf("market not found")
	}
	if loaded.ID != record.ID || loaded.SettlementDeadline != record.SettlementDeadline || loaded.CreatedAt != record.CreatedAt {
		t.Fatalf("scalar fields lost: %+v", loaded)
	}
	if loaded.Theta.Cmp(record.Theta) != 0 || loaded.Alpha.Cmp(record.Alpha) != 0 {
		t.Fatalf("threshold fields lost")
	}
	if loaded.TotalReserve.Cmp(big.NewInt(297)) != 0 || loaded.ProtocolFees.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("ledger fields lost")
	}
	if !loaded.Settled || !loaded.LongWon || loaded.FinalScore.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("settlement fields lost")
	}
	if loaded.Vault != record.Vault {
		t.Fatalf("vault lost")
	}

	if _, found, err := manager.MarketGet("missing"); err != nil || found {
		t.Fatalf("expected clean miss, found=%t err=%v", found, err)
	}
}

func TestMarketPutRejectsInvalidRecords(t *testing.T) {
	manager := newTestManager()
	if err := manager.MarketPut(&market.Market{ID: "bad"}); err == nil {
		t.Fatalf("expected sanitize failure")
	}
}

func TestHolderRoundTripAndIndex(t *testing.T) {
	manager := newTestManager()
	alice := testAddress(0x01)
	bob := testAddress(0x02)

	if _, found, err := manager.HolderGet("clip-1", alice); err != nil || found {
		t.Fatalf("expected clean miss, found=%t err=%v", found, err)
	}

	pos := &market.HolderPosition{
		Address:      alice,
		LongTokens:   big.NewInt(100),
		ShortTokens:  big.NewInt(0),
		TradeCounter: big.NewInt(100),
		Claimed:      true,
	}
	if err := manager.HolderPut("clip-1", pos); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, found, err := manager.HolderGet("clip-1", alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatalf("holder not found")
	}
	if loaded.Address != alice || loaded.LongTokens.Cmp(big.NewInt(100)) != 0 || !loaded.Claimed {
		t.Fatalf("holder fields lost: %+v", loaded)
	}

	if err := manager.HolderAppend("clip-1", alice); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := manager.HolderAppend("clip-1", bob); err != nil {
		t.Fatalf("append: %v", err)
	}
	holders, err := manager.HolderAddresses("clip-1")
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	if len(holders) != 2 || holders[0] != alice || holders[1] != bob {
		t.Fatalf("unexpected holder order: %v", holders)
	}

	empty, err := manager.HolderAddresses("clip-2")
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty index, got %v", empty)
	}
}

func TestMarketIndex(t *testing.T) {
	manager := newTestManager()
	ids, err := manager.MarketIDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty index")
	}
	for _, id := range []string{"clip-2", "clip-1"} {
		if err := manager.MarketIDsAppend(id); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	ids, err = manager.MarketIDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "clip-2" || ids[1] != "clip-1" {
		t.Fatalf("unexpected index: %v", ids)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	manager := newTestManager()
	vault := market.VaultAddress("clip-1")
	record := &token.Token{
		MarketID:  "clip-1",
		Side:      market.SideLong,
		Name:      "Pulse long clip-1",
		Symbol:    "PL:clip-1",
		Owner:     vault,
		Supply:    big.NewInt(175),
		CreatedAt: 1_700_000_000,
	}
	if err := manager.TokenPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, found, err := manager.TokenGet("clip-1", market.SideLong)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatalf("token not found")
	}
	if loaded.Symbol != "PL:clip-1" || loaded.Owner != vault || loaded.Supply.Cmp(big.NewInt(175)) != 0 {
		t.Fatalf("token fields lost: %+v", loaded)
	}
	if _, found, err := manager.TokenGet("clip-1", market.SideShort); err != nil || found {
		t.Fatalf("sides must be independent, found=%t err=%v", found, err)
	}

	alice := testAddress(0x01)
	if balance, err := manager.TokenBalanceGet("clip-1", market.SideLong, alice); err != nil || balance != nil {
		t.Fatalf("expected nil for untracked balance, got %v err=%v", balance, err)
	}
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if err := manager.TokenBalancePut("clip-1", market.SideLong, alice, huge); err != nil {
		t.Fatalf("balance put: %v", err)
	}
	balance, err := manager.TokenBalanceGet("clip-1", market.SideLong, alice)
	if err != nil {
		t.Fatalf("balance get: %v", err)
	}
	if balance.Cmp(huge) != 0 {
		t.Fatalf("expected %s, got %s", huge, balance)
	}
}
