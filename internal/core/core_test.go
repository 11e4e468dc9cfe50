package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/config"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/fanout"
	"github.com/markus-barta/homedash/internal/hubapi"
	"github.com/markus-barta/homedash/internal/hubtest"
	"github.com/markus-barta/homedash/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func testOptions() Options {
	return Options{
		Transport: transport.Options{
			ReconnectDelay:   50 * time.Millisecond,
			HandshakeTimeout: time.Second,
			PingInterval:     time.Second,
			PongWait:         5 * time.Second,
			WriteWait:        time.Second,
		},
		Command: command.Options{
			LevelDebounce:  30 * time.Millisecond,
			ColorDebounce:  30 * time.Millisecond,
			PendingTimeout: time.Minute,
			RequestTimeout: time.Second,
			ErrorTTL:       time.Minute,
		},
		ResyncInterval: time.Hour,
		RequestTimeout: time.Second,
	}
}

var kitchenOff = entity.State{
	ID:         "light.kitchen",
	State:      "off",
	Attributes: entity.Attributes{"friendly_name": "Kitchen", "supported_color_modes": []any{"brightness"}},
}

func connected(t *testing.T, states ...entity.State) (*Core, *hubtest.Hub) {
	t.Helper()
	return connectWith(t, testOptions(), states...)
}

func state(t *testing.T, c *Core, id entity.ID) entity.State {
	t.Helper()
	st, ok := c.GetSnapshot(id)
	require.True(t, ok, "missing %s", id)
	return st
}

func TestConnect_LoadsSnapshotAndAppliesEvents(t *testing.T) {
	c, hub := connected(t, kitchenOff, entity.State{ID: "sensor.temp", State: "20.5"})

	var mu sync.Mutex
	var seen [][]entity.ID
	c.Subscribe(fanout.Entities("light.kitchen"), func(ids []entity.ID) {
		mu.Lock()
		seen = append(seen, ids)
		mu.Unlock()
	})

	hub.SendStateChanged("sensor.temp", &entity.State{ID: "sensor.temp", State: "21.0"}, time.Now())
	hub.SendStateChanged("light.kitchen", &entity.State{ID: "light.kitchen", State: "on"}, time.Now())

	require.Eventually(t, func() bool { return state(t, c, "light.kitchen").State == "on" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "21.0", state(t, c, "sensor.temp").State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]entity.ID{{"light.kitchen"}}, seen, "subscriber only hears about its own entity")
}

func TestScenario_ToggleSucceeds(t *testing.T) {
	c, hub := connected(t, kitchenOff)

	res := c.Dispatch(context.Background(), command.Toggle{ID: "light.kitchen"})
	require.True(t, res.OK(), "failure: %v", res.Failure)
	assert.Equal(t, "on", state(t, c, "light.kitchen").State)

	assert.Equal(t, "optimistic", c.Source("light.kitchen"))

	calls := hub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "light", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, "light.kitchen", calls[0].Data["entity_id"])
}

func TestScenario_ToggleFailsAndRollsBack(t *testing.T) {
	c, hub := connected(t, kitchenOff)
	hub.SetServiceStatus(http.StatusInternalServerError)

	res := c.Dispatch(context.Background(), command.Toggle{ID: "light.kitchen"})
	require.False(t, res.OK())
	assert.Equal(t, command.ReasonRequestFailed, res.Failure.Reason)
	assert.Equal(t, "off", state(t, c, "light.kitchen").State)

	last, ok := c.LastError("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, res.CommandID, last.CommandID)
}

func TestScenario_FetchDoesNotRevertPendingWrite(t *testing.T) {
	c, hub := connected(t, kitchenOff, entity.State{ID: "switch.fan", State: "off"})

	require.True(t, c.Dispatch(context.Background(), command.Toggle{ID: "light.kitchen"}).OK())
	require.Equal(t, 1, c.PendingWrites())

	// the hub's REST view still says off for the light, and the fan changed
	hub.SetStates(kitchenOff, entity.State{ID: "switch.fan", State: "on"})
	require.NoError(t, c.Resync(context.Background()))

	assert.Equal(t, "on", state(t, c, "light.kitchen").State)
	assert.Equal(t, "on", state(t, c, "switch.fan").State)
}

func TestScenario_ConfirmingEventWins(t *testing.T) {
	c, hub := connected(t, kitchenOff)

	res := c.Dispatch(context.Background(), command.SetLevel{ID: "light.kitchen", Percent: 78})
	require.Equal(t, command.StatusScheduled, res.Status)
	b, _ := state(t, c, "light.kitchen").Brightness()
	require.Equal(t, 199, b)
	require.Eventually(t, func() bool { return len(hub.Calls()) == 1 }, waitFor, 5*time.Millisecond)

	hub.SendStateChanged("light.kitchen", &entity.State{
		ID:         "light.kitchen",
		State:      "on",
		Attributes: entity.Attributes{"brightness": 180},
	}, time.Now().Add(time.Second))

	require.Eventually(t, func() bool { return c.PendingWrites() == 0 }, waitFor, 10*time.Millisecond)
	b, _ = state(t, c, "light.kitchen").Brightness()
	assert.Equal(t, 180, b)
}

func TestDispatchWhileOffline(t *testing.T) {
	c := New(testOptions(), zerolog.Nop())
	defer c.Close()

	res := c.Dispatch(context.Background(), command.Toggle{ID: "light.kitchen"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, command.ReasonOffline, res.Failure.Reason)
}

func TestConnect_RejectsEmptyCredentials(t *testing.T) {
	c := New(testOptions(), zerolog.Nop())
	defer c.Close()
	err := c.Connect(context.Background(), hubapi.Credentials{})
	assert.ErrorIs(t, err, hubapi.ErrNoCredentials)
}

func TestAuthErrorStopsCore(t *testing.T) {
	hub := hubtest.New(t, "secret")
	c := New(testOptions(), zerolog.Nop())
	defer c.Close()

	got := make(chan error, 1)
	c.OnAuthError(func(err error) { got <- err })

	require.NoError(t, c.Connect(context.Background(), hubapi.Credentials{BaseURL: hub.URL(), Token: "bad"}))

	select {
	case err := <-got:
		assert.True(t, errors.Is(err, hubapi.ErrAuth), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("auth error not reported")
	}
	require.Eventually(t, func() bool { return !c.Running() }, waitFor, 10*time.Millisecond)
	assert.False(t, c.Online())

	// new credentials bring it back
	require.NoError(t, c.Connect(context.Background(), hubapi.Credentials{BaseURL: hub.URL(), Token: "secret"}))
	require.Eventually(t, c.Online, waitFor, 10*time.Millisecond)
}

func TestReconnectTriggersResync(t *testing.T) {
	c, hub := connected(t, kitchenOff)

	var mu sync.Mutex
	var states []transport.State
	c.OnConnectionChange(func(s transport.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	// change REST state silently, then drop the socket
	hub.SetStates(entity.State{ID: "light.kitchen", State: "on"})
	hub.DropConnections()

	require.Eventually(t, func() bool {
		st, ok := c.GetSnapshot("light.kitchen")
		return ok && st.State == "on" && c.Online()
	}, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, transport.Disconnected)
	assert.Contains(t, states, transport.Subscribed)
}

func TestDisconnectTearsDown(t *testing.T) {
	c, hub := connected(t, kitchenOff)

	var calls int
	var mu sync.Mutex
	c.Subscribe(fanout.All(), func([]entity.ID) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	c.Dispatch(context.Background(), command.SetLevel{ID: "light.kitchen", Percent: 50})
	c.Disconnect()

	assert.False(t, c.Running())
	assert.False(t, c.Online())
	assert.Empty(t, c.All())
	assert.Equal(t, 0, c.PendingWrites())

	mu.Lock()
	before := calls
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, hub.Calls(), "scheduled sends are dropped")

	res := c.Dispatch(context.Background(), command.Toggle{ID: "light.kitchen"})
	assert.Equal(t, command.ReasonOffline, res.Failure.Reason)

	mu.Lock()
	assert.Equal(t, before, calls, "subscribers are removed on teardown")
	mu.Unlock()
}

func connectWith(t *testing.T, opts Options, states ...entity.State) (*Core, *hubtest.Hub) {
	t.Helper()
	hub := hubtest.New(t, "secret")
	hub.SetStates(states...)

	c := New(opts, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background(), hubapi.Credentials{BaseURL: hub.URL(), Token: "secret"}))
	require.Eventually(t, func() bool {
		return c.Online() && len(c.All()) == len(states)
	}, waitFor, 10*time.Millisecond)
	return c, hub
}

func TestPeriodicResyncPicksUpMissedChanges(t *testing.T) {
	opts := testOptions()
	opts.ResyncInterval = 50 * time.Millisecond
	c, hub := connectWith(t, opts, kitchenOff)

	before := hub.StateFetches()
	require.Eventually(t, func() bool { return hub.StateFetches() >= before+3 }, waitFor, 10*time.Millisecond)

	// a change the push channel never announced
	hub.SetStates(entity.State{ID: "light.kitchen", State: "on"})
	require.Eventually(t, func() bool { return state(t, c, "light.kitchen").State == "on" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "snapshot", c.Source("light.kitchen"))
}

func TestResyncReportsLastingDisagreement(t *testing.T) {
	opts := testOptions()
	opts.ResyncInterval = 50 * time.Millisecond
	c, hub := connectWith(t, opts, entity.State{ID: "sensor.temp", State: "20"})

	warnings := make(chan *StaleDataWarning, 16)
	c.OnStaleData(func(w *StaleDataWarning) {
		select {
		case warnings <- w:
		default:
		}
	})

	hub.SendStateChanged("sensor.temp", &entity.State{ID: "sensor.temp", State: "21"}, time.Now())
	require.Eventually(t, func() bool { return state(t, c, "sensor.temp").State == "21" }, waitFor, 10*time.Millisecond)

	// the REST view falls back to the old value and stays there
	hub.SetStates(entity.State{ID: "sensor.temp", State: "20"})

	select {
	case w := <-warnings:
		assert.Equal(t, []string{"sensor.temp"}, w.IDs())
		assert.Contains(t, w.Error(), "1 entities")
	case <-time.After(waitFor):
		t.Fatal("no stale data warning")
	}
	assert.Equal(t, "20", state(t, c, "sensor.temp").State, "the resync still wins the store")
}

func TestDebouncedFailureIsReported(t *testing.T) {
	c, hub := connected(t, kitchenOff)
	hub.SetServiceStatus(http.StatusInternalServerError)

	results := make(chan command.Result, 4)
	c.OnCommandResult(func(res command.Result) { results <- res })

	res := c.Dispatch(context.Background(), command.SetLevel{ID: "light.kitchen", Percent: 40})
	require.Equal(t, command.StatusScheduled, res.Status)

	select {
	case got := <-results:
		assert.Equal(t, res.CommandID, got.CommandID)
		assert.Equal(t, command.StatusFailed, got.Status)
	case <-time.After(waitFor):
		t.Fatal("debounced result not reported")
	}

	last, ok := c.LastError("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, res.CommandID, last.CommandID)
	assert.Equal(t, "off", state(t, c, "light.kitchen").State)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FetchAttempts = 5
	cfg.LevelDebounce = 250 * time.Millisecond

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 5, opts.FetchRetry.MaxAttempts)
	assert.Equal(t, hubapi.DefaultRetryConfig().InitialDelay, opts.FetchRetry.InitialDelay)
	assert.Equal(t, 250*time.Millisecond, opts.Command.LevelDebounce)
	assert.Equal(t, cfg.RequestTimeout, opts.Command.RequestTimeout)
	assert.Equal(t, cfg.ReconnectDelay, opts.Transport.ReconnectDelay)
}
