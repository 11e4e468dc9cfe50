// Package dashboard serves the browser-facing HTTP API and WebSocket on top of
// the synchronization core.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/config"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/fanout"
	"github.com/markus-barta/homedash/internal/transport"
	"github.com/rs/zerolog"
)

// Core is the part of the synchronization core the server uses.
type Core interface {
	All() []entity.State
	GetSnapshot(id entity.ID) (entity.State, bool)
	Subscribe(filter fanout.Filter, cb fanout.Callback) func()
	Dispatch(ctx context.Context, in command.Intent) command.Result
	ConnectionState() transport.State
	LastError(id entity.ID) (command.Result, bool)
	Source(id entity.ID) string
	OnConnectionChange(fn func(transport.State))
	OnCommandResult(fn func(command.Result))
}

// History is the command log. A nil History disables /api/commands.
type History interface {
	Recent(ctx context.Context, limit int) ([]command.Record, error)
	ForEntity(ctx context.Context, id entity.ID, limit int) ([]command.Record, error)
	Ping(ctx context.Context) error
}

// Server is the dashboard server.
type Server struct {
	cfg        *config.Config
	core       Core
	history    History
	log        zerolog.Logger
	auth       *AuthService
	hub        *Hub
	router     *chi.Mux
	wsUpgrader websocket.Upgrader
}

// New creates a dashboard server. Call Run to serve, or use Router in tests.
func New(cfg *config.Config, core Core, history History, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		core:    core,
		history: history,
		log:     log.With().Str("component", "dashboard").Logger(),
		auth:    NewAuthService(cfg.APIToken),
		hub:     NewHub(core, log),
	}
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	core.OnConnectionChange(s.hub.BroadcastConnection)
	core.OnCommandResult(s.hub.BroadcastResult)
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/ws", s.handleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Get("/entities", s.handleGetEntities)
			r.Get("/entities/{entityID}", s.handleGetEntity)
			r.Post("/entities/{entityID}/commands", s.handleCommand)
			r.Get("/commands", s.handleGetCommands)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth checks the API token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := s.auth.Authenticate(r); status != 0 {
			s.log.Warn().Str("ip", clientIP(r)).Int("status", status).Msg("rejected API request")
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClient(r.Context(), clientIP(r))))
	})
}

// checkOrigin accepts same-host requests, non-browser clients and the
// configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("version", VersionInfo()).Msg("starting dashboard server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the browser hub (for testing).
func (s *Server) Hub() *Hub {
	return s.hub
}
