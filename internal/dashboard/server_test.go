package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/config"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/fanout"
	"github.com/markus-barta/homedash/internal/protocol"
	"github.com/markus-barta/homedash/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiToken = "test-api-token"

type fakeCore struct {
	mu       sync.Mutex
	states   map[entity.ID]entity.State
	conn     transport.State
	intents  []command.Intent
	result   func(command.Intent) command.Result
	errors   map[entity.ID]command.Result
	handlers []func(transport.State)
	results  []func(command.Result)
	registry *fanout.Registry
}

func newFakeCore(states ...entity.State) *fakeCore {
	f := &fakeCore{
		states:   make(map[entity.ID]entity.State),
		errors:   make(map[entity.ID]command.Result),
		conn:     transport.Subscribed,
		registry: fanout.New(zerolog.Nop()),
	}
	for _, st := range states {
		f.states[st.ID] = st
	}
	return f
}

func (f *fakeCore) All() []entity.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.State, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeCore) GetSnapshot(id entity.ID) (entity.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	return st, ok
}

func (f *fakeCore) Subscribe(filter fanout.Filter, cb fanout.Callback) func() {
	return f.registry.Subscribe(filter, cb)
}

func (f *fakeCore) Dispatch(_ context.Context, in command.Intent) command.Result {
	f.mu.Lock()
	f.intents = append(f.intents, in)
	fn := f.result
	f.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	return command.Result{CommandID: "cmd-1", EntityID: in.Target(), Kind: in.Kind(), Status: command.StatusSucceeded}
}

func (f *fakeCore) ConnectionState() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeCore) LastError(id entity.ID) (command.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.errors[id]
	return res, ok
}

func (f *fakeCore) Source(entity.ID) string {
	return "snapshot"
}

func (f *fakeCore) OnConnectionChange(fn func(transport.State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

func (f *fakeCore) OnCommandResult(fn func(command.Result)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fn)
}

// resolve delivers the late result of a scheduled command.
func (f *fakeCore) resolve(res command.Result) {
	f.mu.Lock()
	if res.Failure != nil {
		f.errors[res.EntityID] = res
	}
	hooks := append([]func(command.Result){}, f.results...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(res)
	}
}

// set updates or removes (st == nil) an entity and notifies subscribers.
func (f *fakeCore) set(id entity.ID, st *entity.State) {
	f.mu.Lock()
	if st == nil {
		delete(f.states, id)
	} else {
		f.states[id] = *st
	}
	f.mu.Unlock()
	f.registry.Notify([]entity.ID{id})
}

func (f *fakeCore) setConnection(s transport.State) {
	f.mu.Lock()
	f.conn = s
	handlers := append([]func(transport.State){}, f.handlers...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (f *fakeCore) Intents() []command.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Intent(nil), f.intents...)
}

type fakeHistory struct {
	recs    []command.Record
	pingErr error
}

func (f *fakeHistory) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]command.Record, error) {
	if limit > 0 && limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func (f *fakeHistory) ForEntity(_ context.Context, id entity.ID, _ int) ([]command.Record, error) {
	var out []command.Record
	for _, r := range f.recs {
		if r.EntityID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

var (
	kitchen = entity.State{
		ID:         "light.kitchen",
		State:      "on",
		Attributes: entity.Attributes{"friendly_name": "Kitchen", "brightness": 128.0, "supported_color_modes": []any{"brightness"}},
	}
	fan     = entity.State{ID: "switch.fan", State: "off"}
	hallway = entity.State{ID: "light.hallway", State: "off"}
)

func newTestServer(t *testing.T, core *fakeCore, history History) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.APIToken = apiToken
	cfg.AllowedOrigins = []string{"https://allowed.example"}

	s := New(cfg, core, history, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)
	t.Cleanup(cancel)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth_IsPublic(t *testing.T) {
	core := newFakeCore(kitchen, fan)
	s := newTestServer(t, core, nil)

	rec := do(t, s, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "subscribed", body["hub"])
	assert.Equal(t, true, body["online"])
	assert.Equal(t, float64(2), body["entities"])
	assert.Equal(t, "disabled", body["history"])
}

func TestHealth_ReportsHistory(t *testing.T) {
	hist := &fakeHistory{}
	s := newTestServer(t, newFakeCore(kitchen), hist)

	var body map[string]any
	decode(t, do(t, s, http.MethodGet, "/health", "", false), &body)
	assert.Equal(t, "ok", body["history"])

	hist.pingErr = errors.New("disk I/O error")
	decode(t, do(t, s, http.MethodGet, "/health", "", false), &body)
	assert.Equal(t, "error", body["history"])
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t, newFakeCore(kitchen), nil)

	rec := do(t, s, http.MethodGet, "/api/entities", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/entities", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/entities?token="+apiToken, "", false)
	assert.Equal(t, http.StatusOK, rec.Code, "query token is accepted")
}

func TestAPI_RateLimitsFailedTokens(t *testing.T) {
	s := newTestServer(t, newFakeCore(kitchen), nil)

	for i := 0; i < 5; i++ {
		rec := do(t, s, http.MethodGet, "/api/entities", "", false)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/entities", "", true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "locked out even with the right token")
}

func TestGetEntities(t *testing.T) {
	core := newFakeCore(kitchen, fan, hallway)
	core.errors["switch.fan"] = command.Result{CommandID: "c9", Status: command.StatusFailed, Failure: &command.Failure{Reason: command.ReasonRequestFailed}}
	s := newTestServer(t, core, nil)

	var all struct {
		Entities []map[string]any `json:"entities"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/entities", "", true), &all)
	require.Len(t, all.Entities, 3)
	assert.Equal(t, "light.hallway", all.Entities[0]["entity_id"])
	assert.Equal(t, "Hallway", all.Entities[0]["name"])
	assert.Equal(t, "Kitchen", all.Entities[1]["name"])
	assert.Equal(t, []any{"brightness"}, all.Entities[1]["features"])
	require.NotNil(t, all.Entities[2]["last_error"])

	var lights struct {
		Entities []map[string]any `json:"entities"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/entities?domain=light", "", true), &lights)
	assert.Len(t, lights.Entities, 2)
}

func TestGetEntity(t *testing.T) {
	s := newTestServer(t, newFakeCore(kitchen), nil)

	rec := do(t, s, http.MethodGet, "/api/entities/light.kitchen", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]any
	decode(t, rec, &v)
	assert.Equal(t, "on", v["state"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/entities/light.nope", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/entities/kitchen", "", true).Code)
}

func TestCommand_Dispatches(t *testing.T) {
	core := newFakeCore(kitchen)
	s := newTestServer(t, core, nil)

	tests := []struct {
		name string
		body string
		want command.Intent
	}{
		{"toggle", `{"kind":"toggle"}`, command.Toggle{ID: "light.kitchen"}},
		{"level", `{"kind":"set_level","level":40}`, command.SetLevel{ID: "light.kitchen", Percent: 40}},
		{"color", `{"kind":"set_color","color":{"rgb":[255,0,0]}}`, command.SetColor{ID: "light.kitchen", Color: command.Color{RGB: &[3]int{255, 0, 0}}}},
		{"press", `{"kind":"press"}`, command.Press{ID: "light.kitchen"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/entities/light.kitchen/commands", tt.body, true)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			intents := core.Intents()
			assert.Equal(t, tt.want, intents[len(intents)-1])
		})
	}
}

func TestCommand_ClimateFields(t *testing.T) {
	core := newFakeCore(entity.State{ID: "climate.living", State: "heat"})
	s := newTestServer(t, core, nil)

	rec := do(t, s, http.MethodPost, "/api/entities/climate.living/commands",
		`{"kind":"set_climate","mode":"heat_cool","target_temp_low":19.5,"target_temp_high":23}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	in, ok := core.Intents()[0].(command.SetClimate)
	require.True(t, ok)
	require.NotNil(t, in.Mode)
	assert.Equal(t, "heat_cool", *in.Mode)
	assert.Nil(t, in.TargetTemp)
	assert.Equal(t, 19.5, *in.TargetLow)
	assert.Equal(t, 23.0, *in.TargetHigh)
}

func TestCommand_FailureIsReportedInBody(t *testing.T) {
	core := newFakeCore(kitchen)
	core.result = func(in command.Intent) command.Result {
		return command.Result{
			CommandID: "c1",
			EntityID:  in.Target(),
			Kind:      in.Kind(),
			Status:    command.StatusFailed,
			Failure:   &command.Failure{Reason: command.ReasonOffline, Message: "push channel is not connected"},
		}
	}
	s := newTestServer(t, core, nil)

	rec := do(t, s, http.MethodPost, "/api/entities/light.kitchen/commands", `{"kind":"toggle"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res command.Result
	decode(t, rec, &res)
	assert.Equal(t, command.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, command.ReasonOffline, res.Failure.Reason)
}

func TestCommand_RejectsMalformedRequests(t *testing.T) {
	core := newFakeCore(kitchen)
	s := newTestServer(t, core, nil)

	for _, body := range []string{
		`not json`,
		`{"kind":"explode"}`,
		`{"kind":"set_level"}`,
		`{"kind":"set_color","color":{}}`,
		`{"kind":"set_climate"}`,
	} {
		rec := do(t, s, http.MethodPost, "/api/entities/light.kitchen/commands", body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, core.Intents())
}

func TestGetCommands(t *testing.T) {
	started := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	hist := &fakeHistory{recs: []command.Record{
		{CommandID: "c2", EntityID: "switch.fan", Kind: command.KindToggle, Status: command.StatusSucceeded, StartedAt: started.Add(time.Minute)},
		{CommandID: "c1", EntityID: "light.kitchen", Kind: command.KindToggle, Status: command.StatusFailed, Error: "request_failed", StartedAt: started},
	}}
	s := newTestServer(t, newFakeCore(), hist)

	var body struct {
		Commands []commandLog `json:"commands"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/commands", "", true), &body)
	require.Len(t, body.Commands, 2)
	assert.Equal(t, "c2", body.Commands[0].CommandID)
	assert.Equal(t, "2025-05-01T08:00:00.000Z", body.Commands[1].StartedAt)

	var forKitchen struct {
		Commands []commandLog `json:"commands"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/commands?entity_id=light.kitchen", "", true), &forKitchen)
	require.Len(t, forKitchen.Commands, 1)
	assert.Equal(t, "request_failed", forKitchen.Commands[0].Error)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/commands?limit=x", "", true).Code)
}

func TestGetCommands_DisabledWithoutHistory(t *testing.T) {
	s := newTestServer(t, newFakeCore(), nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/commands", "", true).Code)
}

type browser struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialBrowser(t *testing.T, s *Server, header http.Header) (*browser, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + apiToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &browser{t: t, conn: conn}, resp, nil
}

func (b *browser) next() protocol.Envelope {
	b.t.Helper()
	_ = b.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env protocol.Envelope
	require.NoError(b.t, b.conn.ReadJSON(&env))
	return env
}

// expect skips messages until one of type msgType arrives.
func (b *browser) expect(msgType string, payload any) {
	b.t.Helper()
	for i := 0; i < 10; i++ {
		env := b.next()
		if env.Type == msgType {
			require.NoError(b.t, env.ParsePayload(payload))
			return
		}
	}
	b.t.Fatalf("no %s message", msgType)
}

func (b *browser) send(msgType string, payload any) {
	b.t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(b.t, err)
	require.NoError(b.t, b.conn.WriteJSON(env))
}

type snapshotMsg struct {
	Entities []map[string]any `json:"entities"`
}

func TestWebSocket_SnapshotThenUpdates(t *testing.T) {
	core := newFakeCore(kitchen, fan)
	s := newTestServer(t, core, nil)
	b, _, err := dialBrowser(t, s, nil)
	require.NoError(t, err)

	var conn protocol.ConnectionPayload
	require.Equal(t, protocol.TypeConnection, b.next().Type)

	var snap snapshotMsg
	b.expect(protocol.TypeSnapshot, &snap)
	assert.Len(t, snap.Entities, 2)
	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, time.Second, 10*time.Millisecond)

	off := kitchen.Clone()
	off.State = "off"
	core.set("light.kitchen", &off)

	var update map[string]any
	b.expect(protocol.TypeEntityUpdate, &update)
	assert.Equal(t, "light.kitchen", update["entity_id"])
	assert.Equal(t, "off", update["state"])

	core.set("switch.fan", nil)
	var removed protocol.EntityRemovedPayload
	b.expect(protocol.TypeEntityRemoved, &removed)
	assert.Equal(t, "switch.fan", removed.EntityID)

	core.setConnection(transport.Disconnected)
	b.expect(protocol.TypeConnection, &conn)
	assert.Equal(t, "disconnected", conn.State)
	assert.False(t, conn.Online)
}

func TestWebSocket_SubscribeNarrowsUpdates(t *testing.T) {
	core := newFakeCore(kitchen, fan, hallway)
	s := newTestServer(t, core, nil)
	b, _, err := dialBrowser(t, s, nil)
	require.NoError(t, err)

	var snap snapshotMsg
	b.expect(protocol.TypeSnapshot, &snap)
	require.Len(t, snap.Entities, 3)

	b.send(protocol.TypeBrowserSubscribe, protocol.BrowserSubscribePayload{EntityIDs: []string{"switch.fan"}})
	b.expect(protocol.TypeSnapshot, &snap)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, "switch.fan", snap.Entities[0]["entity_id"])

	on := fan
	on.State = "on"
	core.set("light.kitchen", &kitchen)
	core.set("switch.fan", &on)

	var update map[string]any
	b.expect(protocol.TypeEntityUpdate, &update)
	assert.Equal(t, "switch.fan", update["entity_id"], "kitchen is filtered out")
}

func TestWebSocket_CommandResultsAreBroadcast(t *testing.T) {
	core := newFakeCore(kitchen)
	s := newTestServer(t, core, nil)
	b, _, err := dialBrowser(t, s, nil)
	require.NoError(t, err)
	var snap snapshotMsg
	b.expect(protocol.TypeSnapshot, &snap)
	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, time.Second, 10*time.Millisecond)

	rec := do(t, s, http.MethodPost, "/api/entities/light.kitchen/commands", `{"kind":"toggle"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res command.Result
	b.expect(protocol.TypeCommandResult, &res)
	assert.Equal(t, "cmd-1", res.CommandID)
	assert.Equal(t, command.StatusSucceeded, res.Status)
}

func TestWebSocket_ScheduledCommandFailureReachesBrowsers(t *testing.T) {
	core := newFakeCore(kitchen)
	core.result = func(in command.Intent) command.Result {
		return command.Result{CommandID: "cmd-level", EntityID: in.Target(), Kind: in.Kind(), Status: command.StatusScheduled}
	}
	s := newTestServer(t, core, nil)
	b, _, err := dialBrowser(t, s, nil)
	require.NoError(t, err)
	var snap snapshotMsg
	b.expect(protocol.TypeSnapshot, &snap)
	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, time.Second, 10*time.Millisecond)

	rec := do(t, s, http.MethodPost, "/api/entities/light.kitchen/commands", `{"kind":"set_level","level":40}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res command.Result
	b.expect(protocol.TypeCommandResult, &res)
	assert.Equal(t, command.StatusScheduled, res.Status)

	failed := command.Result{
		CommandID: "cmd-level",
		EntityID:  "light.kitchen",
		Kind:      command.KindSetLevel,
		Status:    command.StatusFailed,
		Failure:   &command.Failure{Reason: command.ReasonRequestFailed, Message: "hub returned 500"},
	}
	core.resolve(failed)
	core.set("light.kitchen", &kitchen)

	b.expect(protocol.TypeCommandResult, &res)
	assert.Equal(t, "cmd-level", res.CommandID)
	assert.Equal(t, command.StatusFailed, res.Status)

	var update map[string]any
	b.expect(protocol.TypeEntityUpdate, &update)
	lastErr, ok := update["last_error"].(map[string]any)
	require.True(t, ok, "entity update carries the error: %v", update)
	assert.Equal(t, "cmd-level", lastErr["command_id"])
	assert.Equal(t, "snapshot", update["source"])
}

func TestWebSocket_Origin(t *testing.T) {
	s := newTestServer(t, newFakeCore(), nil)

	_, resp, err := dialBrowser(t, s, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = dialBrowser(t, s, http.Header{"Origin": []string{"https://allowed.example"}})
	assert.NoError(t, err)
}

func TestWebSocket_RequiresToken(t *testing.T) {
	s := newTestServer(t, newFakeCore(), nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_ClosedOnHubStop(t *testing.T) {
	core := newFakeCore(kitchen)
	cfg := config.DefaultConfig()
	cfg.APIToken = apiToken
	s := New(cfg, core, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)

	b, _, err := dialBrowser(t, s, nil)
	require.NoError(t, err)
	var snap snapshotMsg
	b.expect(protocol.TypeSnapshot, &snap)
	require.Eventually(t, func() bool { return core.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return core.registry.Len() == 0 }, time.Second, 10*time.Millisecond)

	_ = b.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = b.conn.ReadMessage()
	assert.Error(t, err, "server closes the socket")
}
