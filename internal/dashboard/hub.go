package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/fanout"
	"github.com/markus-barta/homedash/internal/protocol"
	"github.com/markus-barta/homedash/internal/transport"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one browser WebSocket. Each client is a fan-out subscriber.
type Client struct {
	conn *websocket.Conn
	id   string
	send chan []byte
	hub  *Hub

	mu          sync.Mutex
	closed      bool
	unsubscribe func()
}

// Hub maintains browser connections and pushes entity changes to them.
type Hub struct {
	log  zerolog.Logger
	core Core

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(core Core, log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		core:       core,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. When ctx ends every browser is disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			for c := range clients {
				c.close()
			}
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug().Str("id", client.id).Msg("browser registered")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			h.mu.Unlock()
			if ok {
				client.close()
			}
			h.log.Debug().Str("id", client.id).Msg("browser unregistered")
		}
	}
}

// Len returns the number of connected browsers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastConnection tells every browser about a push-channel state change.
func (h *Hub) BroadcastConnection(state transport.State) {
	h.broadcast(protocol.TypeConnection, connectionPayload(state))
}

// BroadcastResult tells every browser how a command resolved.
func (h *Hub) BroadcastResult(res command.Result) {
	h.broadcast(protocol.TypeCommandResult, res)
}

func (h *Hub) broadcast(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

// join sends the connection state and the full snapshot to c, subscribes it to
// every entity and registers it. It returns false when the hub has stopped.
func (h *Hub) join(c *Client) bool {
	c.sendConnection(h.core.ConnectionState())
	c.subscribe(fanout.All())

	select {
	case h.register <- c:
		return true
	case <-h.done:
		c.close()
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func connectionPayload(state transport.State) protocol.ConnectionPayload {
	return protocol.ConnectionPayload{
		State:  state.String(),
		Online: state == transport.Subscribed,
	}
}

type snapshotPayload struct {
	Entities []entityView `json:"entities"`
}

// subscribe replaces the client's filter and sends the matching snapshot.
func (c *Client) subscribe(filter fanout.Filter) {
	unsub := c.hub.core.Subscribe(filter, c.onChange)

	c.mu.Lock()
	old := c.unsubscribe
	c.unsubscribe = unsub
	closed := c.closed
	c.mu.Unlock()

	if old != nil {
		old()
	}
	if closed {
		unsub()
		return
	}

	snap := snapshotPayload{Entities: []entityView{}}
	for _, st := range c.hub.core.All() {
		if filter.Matches(st.ID) {
			snap.Entities = append(snap.Entities, c.hub.view(st))
		}
	}
	c.push(protocol.TypeSnapshot, snap)
}

func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// onChange runs on the core's notifying goroutine and never blocks.
func (c *Client) onChange(changed []entity.ID) {
	for _, id := range changed {
		if st, ok := c.hub.core.GetSnapshot(id); ok {
			c.push(protocol.TypeEntityUpdate, c.hub.view(st))
		} else {
			c.push(protocol.TypeEntityRemoved, protocol.EntityRemovedPayload{EntityID: string(id)})
		}
	}
}

func (c *Client) sendConnection(state transport.State) {
	c.push(protocol.TypeConnection, connectionPayload(state))
}

func (c *Client) push(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		c.hub.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client send buffer full, skip
		c.hub.log.Warn().Str("id", c.id).Msg("browser too slow, dropping update")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsubscribe
	c.unsubscribe = nil
	close(c.send)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("id", c.id).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleBrowserMessage(data)
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleBrowserMessage processes messages from browser clients.
func (c *Client) handleBrowserMessage(data []byte) {
	var msg protocol.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.log.Warn().Err(err).Str("id", c.id).Msg("failed to parse browser message")
		return
	}

	switch msg.Type {
	case protocol.TypeBrowserSubscribe:
		var payload protocol.BrowserSubscribePayload
		if len(msg.Payload) > 0 {
			if err := msg.ParsePayload(&payload); err != nil {
				c.hub.log.Warn().Err(err).Str("id", c.id).Msg("bad subscribe payload")
				return
			}
		}
		c.subscribe(filterFor(payload))
		c.hub.log.Debug().
			Str("id", c.id).
			Strs("entity_ids", payload.EntityIDs).
			Strs("domains", payload.Domains).
			Msg("browser subscribed")

	case protocol.TypeBrowserUnsubscribe:
		c.unsubscribeAll()
		c.hub.log.Debug().Str("id", c.id).Msg("browser unsubscribed")

	default:
		c.hub.log.Debug().Str("type", msg.Type).Msg("ignoring browser message")
	}
}

func filterFor(p protocol.BrowserSubscribePayload) fanout.Filter {
	if len(p.EntityIDs) == 0 && len(p.Domains) == 0 {
		return fanout.All()
	}
	ids := make([]entity.ID, 0, len(p.EntityIDs))
	for _, id := range p.EntityIDs {
		ids = append(ids, entity.ID(id))
	}
	return fanout.Entities(ids...).Or(fanout.Domains(p.Domains...))
}
