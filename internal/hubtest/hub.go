// Package hubtest provides an in-process fake hub for tests: the push-channel
// WebSocket plus the REST endpoints the core uses.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/protocol"
)

// ServiceCall is one control request received by the fake hub.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// Hub simulates the hub's WebSocket and REST API.
type Hub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	token       string
	conns       []*websocket.Conn
	received    []map[string]any
	states      map[entity.ID]entity.State
	calls       []ServiceCall
	connections int
	fetches     int

	serviceStatus   int
	rejectSubscribe bool
	onService       func(ServiceCall)
}

// New starts a fake hub that accepts token.
func New(t *testing.T, token string) *Hub {
	h := &Hub{
		t:             t,
		token:         token,
		states:        make(map[entity.ID]entity.State),
		serviceStatus: http.StatusOK,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", h.handleWS)
	mux.HandleFunc("/api/states", h.handleStates)
	mux.HandleFunc("/api/services/", h.handleService)
	mux.HandleFunc("/api/", h.handleAPI)

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.Close)
	return h
}

// URL returns the hub's base URL.
func (h *Hub) URL() string {
	return h.server.URL
}

// SetToken changes the accepted token.
func (h *Hub) SetToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}

// SetServiceStatus sets the HTTP status returned for control requests.
func (h *Hub) SetServiceStatus(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serviceStatus = code
}

// SetRejectSubscribe makes the hub answer subscribe_events with success=false.
func (h *Hub) SetRejectSubscribe(reject bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectSubscribe = reject
}

// OnService installs a hook that runs for every control request before the
// response is written.
func (h *Hub) OnService(fn func(ServiceCall)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onService = fn
}

// SetStates replaces the states served by GET /api/states.
func (h *Hub) SetStates(states ...entity.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = make(map[entity.ID]entity.State, len(states))
	for _, st := range states {
		h.states[st.ID] = st
	}
}

// Close disconnects every client and stops the server.
func (h *Hub) Close() {
	h.DropConnections()
	h.server.Close()
}

// DropConnections closes every subscribed WebSocket without stopping the server.
func (h *Hub) DropConnections() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// ConnectionCount returns the number of subscribed WebSockets.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// TotalConnections returns how many WebSockets were ever accepted.
func (h *Hub) TotalConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connections
}

// Received returns every WebSocket message the hub has read.
func (h *Hub) Received() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.received...)
}

// StateFetches returns how many times GET /api/states was served.
func (h *Hub) StateFetches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches
}

// Calls returns every control request received.
func (h *Hub) Calls() []ServiceCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ServiceCall(nil), h.calls...)
}

// SendStateChanged pushes a state_changed event to every subscribed client and
// updates the REST view to match. A nil st announces removal.
func (h *Hub) SendStateChanged(id entity.ID, st *entity.State, fired time.Time) {
	h.mu.Lock()
	if st == nil {
		delete(h.states, id)
	} else {
		h.states[id] = *st
	}
	h.mu.Unlock()

	data, _ := json.Marshal(protocol.StateChangedData{EntityID: id, NewState: st})
	h.broadcast(map[string]any{
		"id":   1,
		"type": protocol.TypeEvent,
		"event": map[string]any{
			"event_type": protocol.EventStateChanged,
			"data":       json.RawMessage(data),
			"time_fired": fired.UTC().Format(time.RFC3339Nano),
			"origin":     "LOCAL",
		},
	})
}

func (h *Hub) broadcast(v any) {
	data, _ := json.Marshal(v)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+h.token
}

func (h *Hub) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}
	_, _ = w.Write([]byte(`{"message":"API running."}`))
}

func (h *Hub) handleStates(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}
	h.mu.Lock()
	h.fetches++
	out := make([]entity.State, 0, len(h.states))
	for _, st := range h.states {
		out = append(out, st)
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Hub) handleService(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var data map[string]any
	_ = json.NewDecoder(r.Body).Decode(&data)
	c := ServiceCall{Domain: parts[0], Service: parts[1], Data: data}

	h.mu.Lock()
	h.calls = append(h.calls, c)
	status := h.serviceStatus
	hook := h.onService
	h.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if status < 200 || status > 299 {
		http.Error(w, "service failed", status)
		return
	}
	_, _ = w.Write([]byte(`[]`))
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.t.Logf("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() {
		_ = conn.Close()
		h.mu.Lock()
		for i, c := range h.conns {
			if c == conn {
				h.conns = append(h.conns[:i], h.conns[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}()

	h.mu.Lock()
	h.connections++
	h.mu.Unlock()

	if err := conn.WriteJSON(map[string]any{"type": protocol.TypeAuthRequired, "ha_version": "2025.1.0"}); err != nil {
		return
	}

	authed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			h.t.Logf("Failed to parse message: %v", err)
			continue
		}

		h.mu.Lock()
		h.received = append(h.received, msg)
		token := h.token
		reject := h.rejectSubscribe
		h.mu.Unlock()

		switch msg["type"] {
		case protocol.TypeAuth:
			if msg["access_token"] != token {
				_ = conn.WriteJSON(map[string]any{"type": protocol.TypeAuthInvalid, "message": "Invalid access token or password"})
				return
			}
			authed = true
			if err := conn.WriteJSON(map[string]any{"type": protocol.TypeAuthOK, "ha_version": "2025.1.0"}); err != nil {
				return
			}

		case protocol.TypeSubscribeEvents:
			if !authed {
				return
			}
			result := map[string]any{"id": msg["id"], "type": protocol.TypeResult, "success": !reject, "result": nil}
			if reject {
				result["error"] = map[string]any{"code": "unknown_error", "message": "rejected"}
			}
			// register before acking so no event sent after the ack is missed
			h.mu.Lock()
			if !reject {
				h.conns = append(h.conns, conn)
			}
			err := conn.WriteJSON(result)
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
