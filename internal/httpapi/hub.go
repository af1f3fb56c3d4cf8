package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/gnasty-bot/internal/delivery"
	"github.com/you/gnasty-bot/internal/telemetry"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Hub fans every line the bot sends out to the connected /events sockets.
// Slow clients miss events rather than stall the delivery workers.
type Hub struct {
	metrics *telemetry.Metrics

	mu      sync.Mutex
	clients map[chan delivery.Event]struct{}
	closed  bool
}

func NewHub(metrics *telemetry.Metrics) *Hub {
	return &Hub{metrics: metrics, clients: make(map[chan delivery.Event]struct{})}
}

// Observe implements delivery.Observer.
func (h *Hub) Observe(ev delivery.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Clients reports how many sockets are attached.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (chan delivery.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan delivery.Event, clientBuffer)
	h.clients[ch] = struct{}{}
	h.metrics.AddWSClients(1)
	return ch, true
}

func (h *Hub) unsubscribe(ch chan delivery.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; !ok {
		return
	}
	delete(h.clients, ch)
	close(ch)
	h.metrics.AddWSClients(-1)
}

// Close disconnects every client. Later subscriptions are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
		h.metrics.AddWSClients(-1)
	}
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.subscribe()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the feed is one-way; CloseRead handles pings and the peer's close
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("httpapi: websocket write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev delivery.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
