package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pulsemarket/core/events"
	"pulsemarket/core/types"
	"pulsemarket/observability"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// EventPayload is the wire form of a streamed engine event.
type EventPayload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Hub fans engine events out to websocket subscribers. It implements
// events.Emitter so it can sit directly on the engines' emitter fan-out.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan EventPayload]struct{}
}

var _ events.Emitter = (*Hub)(nil)

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan EventPayload]struct{})}
}

// Emit broadcasts the event to every attached subscriber. A subscriber whose
// buffer is full drops the event rather than stalling the engines.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := EventPayload{Type: evt.EventType()}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if inner := provider.Event(); inner != nil {
			payload.Type = inner.Type
			if len(inner.Attributes) > 0 {
				attrs := make(map[string]string, len(inner.Attributes))
				for key, value := range inner.Attributes {
					attrs[key] = value
				}
				payload.Attributes = attrs
			}
		}
	}
	observability.Events().RecordEvent(payload.Type)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub <- payload:
		default:
		}
	}
}

func (h *Hub) subscribe() chan EventPayload {
	sub := make(chan EventPayload, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()
	observability.Events().SetSubscribers(count)
	return sub
}

func (h *Hub) unsubscribe(sub chan EventPayload) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()
	observability.Events().SetSubscribers(count)
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// The stream is write-only; CloseRead keeps control frames serviced and
	// cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn) error {
	sub := h.subscribe()
	defer h.unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-sub:
			if err := writeEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, payload EventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
