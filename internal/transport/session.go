// Package transport maintains the single push-channel connection to the hub.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/hubapi"
	"github.com/markus-barta/homedash/internal/protocol"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	AuthPending
	Authenticated
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AuthPending:
		return "auth_pending"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Event is delivered to handlers registered with OnEvent. It is either
// EntityChanged or ConnectionStateChanged.
type Event interface {
	isEvent()
}

// EntityChanged is one state_changed push event. NewState is nil when the
// entity was removed.
type EntityChanged struct {
	ID       entity.ID
	NewState *entity.State
	FiredAt  time.Time
}

// ConnectionStateChanged reports a lifecycle transition. Err is set when the
// session dropped to Disconnected because of an error; it wraps hubapi.ErrAuth
// when the hub rejected the token.
type ConnectionStateChanged struct {
	State State
	Err   error
}

func (EntityChanged) isEvent()          {}
func (ConnectionStateChanged) isEvent() {}

// Handler receives session events on the session's read goroutine.
type Handler func(Event)

// Options tunes connection timing.
type Options struct {
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ReconnectDelay:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         45 * time.Second,
		WriteWait:        10 * time.Second,
	}
}

// Session owns one push connection at a time and reconnects after a fixed
// delay until stopped. An auth rejection ends the loop.
type Session struct {
	creds hubapi.CredentialSource
	opts  Options
	log   zerolog.Logger

	mu       sync.Mutex
	state    State
	handlers []Handler
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// New creates a stopped session.
func New(creds hubapi.CredentialSource, opts Options, log zerolog.Logger) *Session {
	return &Session{
		creds: creds,
		opts:  opts,
		log:   log.With().Str("component", "transport").Logger(),
	}
}

// OnEvent registers a handler. Handlers must not block.
func (s *Session) OnEvent(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start launches the connection loop. Calling Start while the loop is running
// is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(loopCtx, done)
}

// Stop ends the connection loop, closes the socket and waits for the loop to
// exit. No reconnect is attempted afterwards.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setState(Disconnected, nil)
}

// Running reports whether the connection loop is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, hubapi.ErrAuth) {
			s.log.Error().Err(err).Msg("authentication rejected, not retrying")
			s.mu.Lock()
			if s.done == done {
				s.cancel()
				s.cancel, s.done = nil, nil
			}
			s.mu.Unlock()
			s.setState(Disconnected, err)
			return
		}

		s.setState(Disconnected, err)
		s.log.Warn().Err(err).Dur("backoff", s.opts.ReconnectDelay).Msg("connection lost, reconnecting")

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one connection from dial to close and returns why it ended.
func (s *Session) connect(ctx context.Context) error {
	creds, err := s.creds.Credentials()
	if err != nil {
		return err
	}

	s.setState(Connecting, nil)
	url := hubapi.WebSocketURL(creds.BaseURL)
	s.log.Debug().Str("url", url).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing hub: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	s.setState(AuthPending, nil)
	if err := s.write(conn, protocol.NewAuth(creds.Token)); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	go s.pingLoop(connCtx, conn)

	return s.readLoop(ctx, conn)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	nextID := 0
	subscribeID := -1

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("read error")
			}
			return fmt.Errorf("reading from hub: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		switch msg.Type {
		case protocol.TypeAuthRequired, protocol.TypePong:

		case protocol.TypeAuthOK:
			s.log.Info().Str("version", msg.HAVersion).Msg("authenticated")
			s.setState(Authenticated, nil)
			nextID++
			subscribeID = nextID
			if err := s.write(conn, protocol.NewSubscribeStateChanged(subscribeID)); err != nil {
				return fmt.Errorf("sending subscribe: %w", err)
			}

		case protocol.TypeAuthInvalid:
			return fmt.Errorf("%w: %s", hubapi.ErrAuth, msg.Message)

		case protocol.TypeResult:
			if msg.ID != subscribeID {
				continue
			}
			if msg.Success != nil && *msg.Success {
				s.setState(Subscribed, nil)
				continue
			}
			ev := s.log.Error().Int("id", msg.ID)
			if msg.Error != nil {
				ev = ev.Str("code", msg.Error.Code).Str("error", msg.Error.Message)
			}
			ev.Msg("subscribe rejected")

		case protocol.TypeEvent:
			s.handleEvent(msg.Event)

		default:
			s.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		}
	}
}

func (s *Session) handleEvent(ev *protocol.Event) {
	if ev == nil || ev.EventType != protocol.EventStateChanged {
		return
	}
	data, err := ev.ParseStateChanged()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to parse state_changed")
		return
	}
	if data.EntityID == "" {
		return
	}
	s.emit(EntityChanged{
		ID:       data.EntityID,
		NewState: data.NewState,
		FiredAt:  data.Timestamp(ev.TimeFired),
	})
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Session) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	if s.state == state && err == nil {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.log.Debug().Str("state", state.String()).Err(err).Msg("session state")
	s.emit(ConnectionStateChanged{State: state, Err: err})
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
