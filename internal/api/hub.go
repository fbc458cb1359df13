package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event types published on the live feed.
const (
	EventSessionCreated    = "session_created"
	EventParticipantJoined = "participant_joined"
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventHandRaised        = "hand_raised"
	EventHandLowered       = "hand_lowered"
)

// Event is one session lifecycle notification on the /events feed.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// subscriberBuffer bounds how many undelivered events a slow subscriber can
// hold before new ones are dropped.
const subscriberBuffer = 16

type subscriber struct {
	// sessionID filters the feed; empty subscribes to every session.
	sessionID string
	ch        chan Event
}

// Hub fans session lifecycle events out to websocket subscribers. The web
// app listens here instead of polling GET /status. Delivery is best-effort;
// a subscriber that cannot keep up loses events rather than blocking the
// request path.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("event feed subscriber lagging, event dropped",
				"type", ev.Type, "session_id", ev.SessionID)
		}
	}
}

func (h *Hub) subscribe(sessionID string) *subscriber {
	sub := &subscriber{sessionID: sessionID, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects. The optional "session" query parameter narrows the feed
// to one session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("event feed upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	sub := h.subscribe(r.URL.Query().Get("session"))
	defer h.unsubscribe(sub)

	// Reads are discarded; the feed is one-way. CloseRead surfaces client
	// disconnects through ctx.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
