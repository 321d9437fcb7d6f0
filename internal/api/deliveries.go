package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/queue"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// subscriberBuffer is how many outcomes a slow websocket client may lag behind before
	// outcomes are dropped for it.
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// DeliveryHub fans queue outcomes out to websocket subscribers.
type DeliveryHub struct {
	mu      sync.Mutex
	subs    map[chan queue.Outcome]struct{}
	dropped int64
	closed  bool
}

// NewDeliveryHub creates an empty hub.
func NewDeliveryHub() *DeliveryHub {
	return &DeliveryHub{subs: make(map[chan queue.Outcome]struct{})}
}

// Publish sends o to every subscriber without blocking.
func (h *DeliveryHub) Publish(o queue.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- o:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func unregisters it and closes
// the channel.
func (h *DeliveryHub) Subscribe() (<-chan queue.Outcome, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan queue.Outcome, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *DeliveryHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many outcomes were skipped for lagging subscribers.
func (h *DeliveryHub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every subscriber.
func (h *DeliveryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (s *Server) deliveriesHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("Server.deliveriesHandler: websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	outcomes, cancel := s.hub.Subscribe()
	defer cancel()
	slog.Debug("Server.deliveriesHandler: subscriber connected", "remote", r.RemoteAddr)

	// Clients never send; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Server.deliveriesHandler: subscriber left", "remote", r.RemoteAddr)
			return
		case o, ok := <-outcomes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeOutcome(ctx, conn, o); err != nil {
				slog.Debug("Server.deliveriesHandler: write failed", "error", err)
				return
			}
		}
	}
}

func writeOutcome(ctx context.Context, conn *websocket.Conn, o queue.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, o)
}
