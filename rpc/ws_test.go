package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"pulsemarket/core/types"
	"pulsemarket/native/market"
)

type stubEvent struct {
	evt *types.Event
}

func (s stubEvent) EventType() string   { return s.evt.Type }
func (s stubEvent) Event() *types.Event { return s.evt }

func purchaseEvent(id string) stubEvent {
	var buyer [20]byte
	buyer[0] = 0xaa
	return stubEvent{evt: market.NewPurchaseEvent(&market.PurchaseReceipt{
		MarketID:     id,
		Buyer:        buyer,
		Side:         market.SideLong,
		Amount:       big.NewInt(100),
		Cost:         big.NewInt(100),
		Fee:          big.NewInt(1),
		Refund:       big.NewInt(0),
		NewPrice:     big.NewInt(1),
		TradeCounter: big.NewInt(100),
	})}
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		count := len(hub.subscribers)
		hub.mu.Unlock()
		if count == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d, want %d", count, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubStreamsEventsToSubscribers(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForSubscribers(t, hub, 1)
	hub.Emit(purchaseEvent("clip-1"))

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("message type = %v, want text", msgType)
	}
	var payload EventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != market.EventTypeMarketPurchase {
		t.Fatalf("type = %q, want %q", payload.Type, market.EventTypeMarketPurchase)
	}
	if payload.Attributes["id"] != "clip-1" || payload.Attributes["side"] != "long" {
		t.Fatalf("attributes = %v", payload.Attributes)
	}
}

func TestHubDropsEventsWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	// Emit with nobody attached must not block or panic.
	hub.Emit(purchaseEvent("clip-2"))
	hub.Emit(nil)

	var nilHub *Hub
	nilHub.Emit(purchaseEvent("clip-3"))
}

func TestHubDetachesSubscriberOnDisconnect(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForSubscribers(t, hub, 1)

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForSubscribers(t, hub, 0)
}
