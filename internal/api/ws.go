package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loadforge/platform/internal/eventbus"
)

// wsWriteTimeout bounds a single frame write so a stalled client cannot pin
// the subscriber goroutine forever.
const wsWriteTimeout = 10 * time.Second

// wsUpgrader upgrades run-subscription requests. It accepts any origin;
// the CORS middleware in front of the API only sets response headers and
// does not reject a cross-origin upgrade request.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is the JSON shape pushed for every event, matching the
// subscription surface's {type, payload, runId} contract.
type wsEnvelope struct {
	Type    eventbus.EventType `json:"type"`
	RunID   string             `json:"runId"`
	Payload any                `json:"payload,omitempty"`
}

// MountWSRoutes mounts the run-subscription WebSocket endpoint.
func MountWSRoutes(r chi.Router, s *Server) {
	r.Get("/runs/{runId}/ws", s.HandleRunWS)
}

// HandleRunWS upgrades the connection and streams a single run's events —
// progress, log, and exactly one terminal event. A subscriber
// arriving after the run's terminal grace window has elapsed is refused
// with 410 Gone rather than being upgraded into a socket with nothing to
// send.
func (s *Server) HandleRunWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	ip := clientIP(r)

	if !s.WSLimiter.Acquire(ip) {
		errorJSON(w, "too many concurrent subscriptions", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}
	defer s.WSLimiter.Release(ip)

	handle, result := s.Bus.Subscribe(runID)
	if result == eventbus.SubscribeRunNotLive {
		errorJSON(w, "run is no longer live; fetch the stored record instead", "GONE", http.StatusGone)
		return
	}
	defer s.Bus.Unsubscribe(handle)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain and discard any client->server traffic so the read side notices
	// a client-initiated close or dropped connection promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lifetime := time.NewTimer(MaxWSDurationSeconds * time.Second)
	defer lifetime.Stop()

	for {
		select {
		case event, ok := <-handle.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			payload, err := json.Marshal(wsEnvelope{Type: event.Type, RunID: event.RunID, Payload: event.Payload})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if event.Type.IsTerminal() {
				return
			}
		case <-closed:
			return
		case <-lifetime.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}
