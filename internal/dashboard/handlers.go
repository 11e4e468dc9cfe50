package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/fanout"
	"github.com/markus-barta/homedash/internal/transport"
)

// entityView is an entity as browsers see it.
type entityView struct {
	entity.State
	Name      string          `json:"name"`
	Features  []string        `json:"features,omitempty"`
	Source    string          `json:"source"`
	LastError *command.Result `json:"last_error,omitempty"`
}

func (h *Hub) view(st entity.State) entityView {
	v := entityView{
		State:    st,
		Name:     st.FriendlyName(),
		Features: st.Features(),
		Source:   h.core.Source(st.ID),
	}
	if res, ok := h.core.LastError(st.ID); ok {
		v.LastError = &res
	}
	return v
}

// commandRequest is the body of POST /api/entities/{entityID}/commands.
type commandRequest struct {
	Kind       command.Kind   `json:"kind"`
	Level      *int           `json:"level,omitempty"`
	Color      *command.Color `json:"color,omitempty"`
	Mode       *string        `json:"mode,omitempty"`
	TargetTemp *float64       `json:"target_temp,omitempty"`
	TargetLow  *float64       `json:"target_temp_low,omitempty"`
	TargetHigh *float64       `json:"target_temp_high,omitempty"`
}

var errBadCommand = errors.New("bad command")

func (req commandRequest) intent(id entity.ID) (command.Intent, error) {
	switch req.Kind {
	case command.KindToggle:
		return command.Toggle{ID: id}, nil
	case command.KindPress:
		return command.Press{ID: id}, nil
	case command.KindSetLevel:
		if req.Level == nil {
			return nil, fmt.Errorf("%w: level is required", errBadCommand)
		}
		return command.SetLevel{ID: id, Percent: *req.Level}, nil
	case command.KindSetColor:
		if req.Color == nil || (req.Color.HS == nil && req.Color.RGB == nil) {
			return nil, fmt.Errorf("%w: color needs hs or rgb", errBadCommand)
		}
		return command.SetColor{ID: id, Color: *req.Color}, nil
	case command.KindSetClimate:
		if req.Mode == nil && req.TargetTemp == nil && req.TargetLow == nil && req.TargetHigh == nil {
			return nil, fmt.Errorf("%w: nothing to change", errBadCommand)
		}
		return command.SetClimate{
			ID:         id,
			Mode:       req.Mode,
			TargetTemp: req.TargetTemp,
			TargetLow:  req.TargetLow,
			TargetHigh: req.TargetHigh,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", errBadCommand, req.Kind)
	}
}

// handleHealth reports liveness, the push-channel state and whether the
// command history is reachable. It is public.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.core.ConnectionState()

	history := "disabled"
	if s.history != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		history = "ok"
		if err := s.history.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("command history unreachable")
			history = "error"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  VersionInfo(),
		"hub":      state.String(),
		"online":   state == transport.Subscribed,
		"entities": len(s.core.All()),
		"browsers": s.hub.Len(),
		"history":  history,
	})
}

// handleGetEntities lists entities, optionally narrowed by ?domain=.
func (s *Server) handleGetEntities(w http.ResponseWriter, r *http.Request) {
	filter := fanout.All()
	if domains := r.URL.Query()["domain"]; len(domains) > 0 {
		filter = fanout.Domains(domains...)
	}

	views := []entityView{}
	for _, st := range s.core.All() {
		if filter.Matches(st.ID) {
			views = append(views, s.hub.view(st))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": views})
}

// handleGetEntity returns one entity.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := entity.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, ok := s.core.GetSnapshot(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.view(st))
}

// handleCommand dispatches one intent. Command failures are reported in the
// body with status 200; only malformed requests get 400. Slider commands answer
// "scheduled" here and their final result reaches browsers as command_result.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := entity.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	in, err := req.intent(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := s.core.Dispatch(r.Context(), in)

	ev := s.log.Info()
	if !res.OK() {
		ev = s.log.Warn().Str("reason", res.Failure.Reason)
	}
	ev.Str("command_id", res.CommandID).
		Str("entity_id", string(id)).
		Str("kind", string(req.Kind)).
		Str("status", string(res.Status)).
		Str("ip", clientFromContext(r.Context())).
		Msg("command")

	s.hub.BroadcastResult(res)
	writeJSON(w, http.StatusOK, res)
}

// commandLog is a history entry as returned by /api/commands.
type commandLog struct {
	CommandID   string         `json:"command_id"`
	EntityID    entity.ID      `json:"entity_id"`
	Kind        command.Kind   `json:"kind"`
	Action      string         `json:"action,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Status      command.Status `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   string         `json:"started_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// handleGetCommands returns command history, newest first.
func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		recs []command.Record
		err  error
	)
	if v := r.URL.Query().Get("entity_id"); v != "" {
		id, perr := entity.Parse(v)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		recs, err = s.history.ForEntity(r.Context(), id, limit)
	} else {
		recs, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query command history")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	logs := make([]commandLog, 0, len(recs))
	for _, rec := range recs {
		l := commandLog{
			CommandID: rec.CommandID,
			EntityID:  rec.EntityID,
			Kind:      rec.Kind,
			Action:    rec.Action,
			Params:    rec.Params,
			Status:    rec.Status,
			Error:     rec.Error,
			StartedAt: rec.StartedAt.UTC().Format(timeFormat),
		}
		if !rec.CompletedAt.IsZero() {
			l.CompletedAt = rec.CompletedAt.UTC().Format(timeFormat)
		}
		logs = append(logs, l)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": logs})
}

// handleWebSocket upgrades an authenticated browser connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		conn: conn,
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
		hub:  s.hub,
	}
	if !s.hub.join(client) {
		_ = conn.Close()
		return
	}

	s.log.Debug().Str("id", client.id).Str("ip", clientFromContext(r.Context())).Msg("browser connected")
	go client.writePump()
	go client.readPump()
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
