// Package core wires the transport session, store, reconciliation engine,
// command dispatcher and fan-out into the handle the dashboard uses.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/config"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/fanout"
	"github.com/markus-barta/homedash/internal/hubapi"
	"github.com/markus-barta/homedash/internal/reconcile"
	"github.com/markus-barta/homedash/internal/store"
	"github.com/markus-barta/homedash/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options collects the timings of every component.
type Options struct {
	Transport      transport.Options
	Command        command.Options
	ResyncInterval time.Duration
	RequestTimeout time.Duration
	// FetchRetry overrides the full-state fetch retry policy when MaxAttempts > 0.
	FetchRetry hubapi.RetryConfig
}

// OptionsFromConfig maps configuration onto component options.
func OptionsFromConfig(cfg *config.Config) Options {
	t := transport.DefaultOptions()
	t.ReconnectDelay = cfg.ReconnectDelay

	retry := hubapi.DefaultRetryConfig()
	retry.MaxAttempts = cfg.FetchAttempts

	return Options{
		Transport: t,
		Command: command.Options{
			LevelDebounce:  cfg.LevelDebounce,
			ColorDebounce:  cfg.ColorDebounce,
			PendingTimeout: cfg.PendingTimeout,
			RequestTimeout: cfg.RequestTimeout,
			ErrorTTL:       cfg.ErrorTTL,
		},
		ResyncInterval: cfg.ResyncInterval,
		RequestTimeout: cfg.RequestTimeout,
		FetchRetry:     retry,
	}
}

// StaleDataWarning reports entities whose full snapshot has disagreed with the
// push channel for longer than the resync interval.
type StaleDataWarning struct {
	Since map[entity.ID]time.Time
}

func (w *StaleDataWarning) Error() string {
	return fmt.Sprintf("%d entities disagree between snapshot and push channel", len(w.Since))
}

// IDs returns the affected entity ids, sorted.
func (w *StaleDataWarning) IDs() []string {
	ids := make([]string, 0, len(w.Since))
	for id := range w.Since {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids
}

// Core is the synchronization core. Create one per running dashboard.
type Core struct {
	opts Options
	log  zerolog.Logger

	creds      *hubapi.CredentialStore
	client     *hubapi.Client
	session    *transport.Session
	engine     *reconcile.Engine
	dispatcher *command.Dispatcher
	fanout     *fanout.Registry

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	onAuth    []func(error)
	onConn    []func(transport.State)
	onStale   []func(*StaleDataWarning)
	resyncNow chan struct{}
	authErr   chan error
}

// New builds a disconnected core.
func New(opts Options, log zerolog.Logger) *Core {
	creds := hubapi.NewCredentialStore(hubapi.Credentials{})
	st := store.New()
	engine := reconcile.New(st, log)
	registry := fanout.New(log)
	client := hubapi.NewClient(creds, opts.RequestTimeout, log)
	if opts.FetchRetry.MaxAttempts > 0 {
		client.SetRetry(opts.FetchRetry)
	}
	session := transport.New(creds, opts.Transport, log)

	c := &Core{
		opts:      opts,
		log:       log.With().Str("component", "core").Logger(),
		creds:     creds,
		client:    client,
		session:   session,
		engine:    engine,
		fanout:    registry,
		resyncNow: make(chan struct{}, 1),
		authErr:   make(chan error, 1),
	}

	c.dispatcher = command.NewDispatcher(client, engine, c.Online, opts.Command, log)
	engine.SetPending(c.dispatcher.Pending())
	engine.OnChange(registry.Notify)
	session.OnEvent(c.handleSessionEvent)

	return c
}

// SetRecorder sends every resolved command to r.
func (c *Core) SetRecorder(r command.Recorder) {
	c.dispatcher.SetRecorder(r)
}

// Connect starts the push channel and the periodic resync with creds. The
// initial full fetch runs in parallel with the push-channel handshake. Calling
// Connect while connected only swaps the credentials; they are picked up on the
// next connection attempt.
func (c *Core) Connect(ctx context.Context, creds hubapi.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("connect: %w", hubapi.ErrNoCredentials)
	}

	c.mu.Lock()
	c.creds.Set(creds)
	if c.cancel != nil {
		c.mu.Unlock()
		c.log.Info().Msg("credentials updated")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.drainSignals()
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	c.session.Start(gctx)
	g.Go(func() error { return c.resyncLoop(gctx) })
	g.Go(func() error { return c.watchAuth(gctx) })

	go func() {
		err := g.Wait()
		c.session.Stop()

		c.mu.Lock()
		if c.done == done {
			c.cancel = nil
			c.done = nil
		}
		handlers := append([]func(error){}, c.onAuth...)
		c.mu.Unlock()
		close(done)

		if errors.Is(err, hubapi.ErrAuth) {
			c.log.Error().Err(err).Msg("hub rejected credentials")
			for _, fn := range handlers {
				fn(err)
			}
		}
	}()

	c.log.Info().Str("url", creds.BaseURL).Msg("connecting to hub")
	return nil
}

// Disconnect tears the core down: the push channel stops without reconnecting,
// scheduled and pending writes are dropped without rollback, every subscriber
// is removed and the store is emptied. Credentials are forgotten.
func (c *Core) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.session.Stop()

	c.dispatcher.Reset()
	c.fanout.Clear()
	c.engine.Reset()
	c.creds.Clear()

	c.log.Info().Msg("disconnected")
}

// Close disconnects and releases resources.
func (c *Core) Close() error {
	c.Disconnect()
	return c.dispatcher.Close()
}

// Running reports whether the core is connected or trying to connect.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Online reports whether the push channel is subscribed.
func (c *Core) Online() bool {
	return c.session.State() == transport.Subscribed
}

// ConnectionState returns the push channel's lifecycle state.
func (c *Core) ConnectionState() transport.State {
	return c.session.State()
}

// GetSnapshot returns the current snapshot of id.
func (c *Core) GetSnapshot(id entity.ID) (entity.State, bool) {
	return c.engine.Store().Get(id)
}

// Snapshots returns the snapshots of ids that exist.
func (c *Core) Snapshots(ids ...entity.ID) map[entity.ID]entity.State {
	return c.engine.Store().GetMany(ids)
}

// All returns every snapshot sorted by id.
func (c *Core) All() []entity.State {
	all := c.engine.Store().All()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Subscribe registers cb for changes matching filter and returns its
// unsubscribe function.
func (c *Core) Subscribe(filter fanout.Filter, cb fanout.Callback) func() {
	return c.fanout.Subscribe(filter, cb)
}

// Dispatch runs one intent. It never fails; see command.Result.
func (c *Core) Dispatch(ctx context.Context, in command.Intent) command.Result {
	return c.dispatcher.Dispatch(ctx, in)
}

// LastError returns the last failed command for id.
func (c *Core) LastError(id entity.ID) (command.Result, bool) {
	return c.dispatcher.LastError(id)
}

// Source names the input that last set id: snapshot, event, optimistic or
// rollback.
func (c *Core) Source(id entity.ID) string {
	return c.engine.Source(id).String()
}

// OnCommandResult registers fn for the final result of debounced commands,
// which resolve after Dispatch has returned.
func (c *Core) OnCommandResult(fn func(command.Result)) {
	c.dispatcher.OnResult(fn)
}

// OnStaleData registers fn for every resync that finds entities whose snapshot
// has disagreed with the push channel for longer than the resync interval.
func (c *Core) OnStaleData(fn func(*StaleDataWarning)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStale = append(c.onStale, fn)
}

// PendingWrites returns the number of unresolved optimistic writes.
func (c *Core) PendingWrites() int {
	return c.dispatcher.Pending().Len()
}

// OnAuthError registers fn to run when the hub rejects the credentials. The
// core stops itself before fn runs; call Connect with new credentials.
func (c *Core) OnAuthError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuth = append(c.onAuth, fn)
}

// OnConnectionChange registers fn for push-channel state transitions.
func (c *Core) OnConnectionChange(fn func(transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConn = append(c.onConn, fn)
}

// Resync fetches the full state and reconciles it into the store.
func (c *Core) Resync(ctx context.Context) error {
	states, err := c.client.FetchStates(ctx)
	if err != nil {
		return err
	}

	report := c.engine.ApplySnapshot(states)
	c.log.Debug().
		Int("entities", len(states)).
		Int("changed", len(report.Changed)).
		Int("held", len(report.Skipped)).
		Msg("resync complete")

	if stale := c.engine.StaleSince(c.opts.ResyncInterval); len(stale) > 0 {
		w := &StaleDataWarning{Since: stale}
		c.log.Warn().Err(w).Strs("entity_ids", w.IDs()).Msg("stale data")

		c.mu.Lock()
		handlers := append([]func(*StaleDataWarning){}, c.onStale...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(w)
		}
	}
	return nil
}

func (c *Core) resyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ResyncInterval)
	defer ticker.Stop()

	run := func() error {
		err := c.Resync(ctx)
		switch {
		case err == nil:
			return nil
		case hubapi.IsAuthError(err):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			c.log.Warn().Err(err).Msg("resync failed")
			return nil
		}
	}

	if err := run(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.resyncNow:
		}
		if err := run(); err != nil {
			return err
		}
	}
}

func (c *Core) watchAuth(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-c.authErr:
		return err
	}
}

func (c *Core) handleSessionEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.EntityChanged:
		c.engine.ApplyEvent(ev.ID, ev.NewState, ev.FiredAt)

	case transport.ConnectionStateChanged:
		if ev.State == transport.Subscribed {
			select {
			case c.resyncNow <- struct{}{}:
			default:
			}
		}
		if errors.Is(ev.Err, hubapi.ErrAuth) {
			select {
			case c.authErr <- ev.Err:
			default:
			}
		}

		c.mu.Lock()
		handlers := append([]func(transport.State){}, c.onConn...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(ev.State)
		}
	}
}

// drainSignals empties leftovers from a previous run; caller holds c.mu.
func (c *Core) drainSignals() {
	for {
		select {
		case <-c.resyncNow:
		case <-c.authErr:
		default:
			return
		}
	}
}
