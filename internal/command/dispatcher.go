package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ttlcache "github.com/jellydator/ttlcache/v2"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/hubapi"
	"github.com/markus-barta/homedash/internal/reconcile"
	"github.com/markus-barta/homedash/internal/store"
	"github.com/rs/zerolog"
)

// Caller sends one control request to the hub.
type Caller interface {
	CallService(ctx context.Context, domain, service string, id entity.ID, data map[string]any) error
}

// Reconciler applies optimistic patches and rollbacks; *reconcile.Engine.
type Reconciler interface {
	Optimistic(id entity.ID, build func(cur entity.State) (store.Patch, error)) (entity.State, error)
	Rollback(id entity.ID, resolve func() (entity.State, bool)) bool
}

// Record is one resolved command, as written to history.
type Record struct {
	CommandID   string
	EntityID    entity.ID
	Kind        Kind
	Action      string
	Params      map[string]any
	Status      Status
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Recorder persists resolved commands.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Options tunes the dispatcher's timers.
type Options struct {
	LevelDebounce  time.Duration
	ColorDebounce  time.Duration
	PendingTimeout time.Duration
	RequestTimeout time.Duration
	ErrorTTL       time.Duration
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{
		LevelDebounce:  300 * time.Millisecond,
		ColorDebounce:  200 * time.Millisecond,
		PendingTimeout: 8 * time.Second,
		RequestTimeout: 15 * time.Second,
		ErrorTTL:       time.Minute,
	}
}

// Dispatcher turns intents into control requests.
type Dispatcher struct {
	caller   Caller
	engine   Reconciler
	online   func() bool
	recorder Recorder
	opts     Options
	log      zerolog.Logger

	pending  *Pending
	debounce *Debouncer
	errors   *ttlcache.Cache

	hookMu   sync.RWMutex
	onResult []func(Result)

	// generation is bumped by Reset; results from an older generation are dropped.
	generation atomic.Uint64
	now        func() time.Time
}

// NewDispatcher wires a dispatcher. online reports whether the push channel is
// subscribed; commands issued while it reports false fail immediately.
func NewDispatcher(caller Caller, engine Reconciler, online func() bool, opts Options, log zerolog.Logger) *Dispatcher {
	log = log.With().Str("component", "command").Logger()

	errs := ttlcache.NewCache()
	if err := errs.SetTTL(opts.ErrorTTL); err != nil {
		log.Warn().Err(err).Msg("failed to set error TTL")
	}
	errs.SkipTTLExtensionOnHit(true)

	return &Dispatcher{
		caller:   caller,
		engine:   engine,
		online:   online,
		opts:     opts,
		log:      log,
		pending:  newPending(log),
		debounce: NewDebouncer(),
		errors:   errs,
		now:      time.Now,
	}
}

// SetRecorder installs a history sink.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// OnResult registers fn for the final result of every scheduled command: the
// one that was eventually sent and each one coalesced into a later call.
// Commands that are not debounced resolve inside Dispatch and are not reported
// here. fn runs on a timer or request goroutine and must not block.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.onResult = append(d.onResult, fn)
}

// Pending exposes the pending-write table to the reconciliation engine.
func (d *Dispatcher) Pending() *Pending {
	return d.pending
}

var _ reconcile.PendingSet = (*Pending)(nil)

// Dispatch applies the intent's optimistic patch and issues its control
// request. Discrete intents block until the request resolves; slider intents
// (SetLevel, SetColor) return StatusScheduled and send after their debounce
// window; their final result goes to the OnResult hooks. A toggle drops any
// scheduled slider send for the same entity. Dispatch never returns an error:
// failures are carried in the Result and also kept as the entity's last error.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) Result {
	res := Result{
		CommandID: uuid.NewString(),
		EntityID:  in.Target(),
		Kind:      in.Kind(),
		At:        d.now(),
	}

	if !d.online() {
		return d.finish(d.failed(res, fail(ReasonOffline, "not connected to hub")), plan{})
	}

	var (
		p   plan
		seq uint64
	)
	_, err := d.engine.Optimistic(in.Target(), func(cur entity.State) (store.Patch, error) {
		var f *Failure
		p, f = planFor(in, cur)
		if f != nil {
			return store.Patch{}, f
		}
		if p.optimistic {
			seq = d.pending.add(cur.ID, in.Kind(), p.patch, cur)
		}
		return p.patch, nil
	})
	if err != nil {
		var f *Failure
		switch {
		case errors.As(err, &f):
		case errors.Is(err, reconcile.ErrUnknownEntity):
			f = fail(ReasonUnknownEntity, err.Error())
		default:
			f = fail(ReasonInvalid, err.Error())
		}
		return d.finish(d.failed(res, f), plan{})
	}
	res.Action = p.action()

	gen := d.generation.Load()
	if window, ok := d.window(in.Kind()); ok {
		d.debounce.Schedule(in.Target(), in.Kind(), window, func() {
			d.report(gen, d.send(context.Background(), gen, res, p, seq))
		}, func() {
			d.report(gen, d.coalesced(res, p))
		})
		scheduled := res
		scheduled.Status = StatusScheduled
		return scheduled
	}

	if in.Kind() == KindToggle {
		// slider sends that have not gone out yet would undo the toggle
		d.debounce.Cancel(in.Target(), KindSetLevel)
		d.debounce.Cancel(in.Target(), KindSetColor)
	}
	return d.send(ctx, gen, res, p, seq)
}

func (d *Dispatcher) window(kind Kind) (time.Duration, bool) {
	switch kind {
	case KindSetLevel:
		return d.opts.LevelDebounce, d.opts.LevelDebounce > 0
	case KindSetColor:
		return d.opts.ColorDebounce, d.opts.ColorDebounce > 0
	default:
		return 0, false
	}
}

// send issues the request and resolves the outcome. The request is detached
// from the caller's cancellation so a superseded or abandoned command still
// runs to completion.
func (d *Dispatcher) send(ctx context.Context, gen uint64, res Result, p plan, seq uint64) Result {
	if gen != d.generation.Load() {
		return res
	}
	if !d.online() {
		res = d.failed(res, fail(ReasonOffline, "connection lost before send"))
		d.rollback(res.EntityID, seq, p)
		return d.finish(res, p)
	}

	if p.optimistic {
		d.pending.arm(res.EntityID, seq, d.opts.PendingTimeout)
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.RequestTimeout)
	defer cancel()

	d.log.Debug().
		Str("entity_id", string(res.EntityID)).
		Str("action", p.action()).
		Uint64("seq", seq).
		Msg("sending command")

	err := d.caller.CallService(reqCtx, p.domain, p.service, res.EntityID, p.data)

	if gen != d.generation.Load() {
		d.log.Debug().Str("entity_id", string(res.EntityID)).Msg("result after reset ignored")
		return res
	}

	if err != nil {
		reason := ReasonRequestFailed
		if hubapi.IsAuthError(err) {
			reason = ReasonAuth
		}
		// the error slot is set before subscribers hear about the rollback
		res = d.failed(res, fail(reason, err.Error()))
		d.rollback(res.EntityID, seq, p)
		return d.finish(res, p)
	}

	if p.optimistic {
		d.pending.settle(res.EntityID, seq)
	}
	return d.finish(res, p)
}

func (d *Dispatcher) coalesced(res Result, p plan) Result {
	res.Status = StatusCoalesced
	return d.finish(res, p)
}

func (d *Dispatcher) report(gen uint64, res Result) {
	if gen != d.generation.Load() || res.Status == "" {
		return
	}
	d.hookMu.RLock()
	hooks := append([]func(Result){}, d.onResult...)
	d.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

func (d *Dispatcher) rollback(id entity.ID, seq uint64, p plan) {
	if !p.optimistic {
		return
	}
	if !d.engine.Rollback(id, func() (entity.State, bool) { return d.pending.takeIfCurrent(id, seq) }) {
		d.log.Debug().Str("entity_id", string(id)).Uint64("seq", seq).Msg("failed write superseded, no rollback")
	}
}

// failed marks res as failed and makes it the entity's last error.
func (d *Dispatcher) failed(res Result, f *Failure) Result {
	res.Status = StatusFailed
	res.Failure = f
	if err := d.errors.Set(string(res.EntityID), res); err != nil {
		d.log.Debug().Err(err).Msg("storing last error")
	}
	return res
}

// finish logs and records a resolved command. A result that is neither failed
// nor coalesced succeeded.
func (d *Dispatcher) finish(res Result, p plan) Result {
	switch res.Status {
	case StatusFailed:
		d.log.Warn().
			Str("entity_id", string(res.EntityID)).
			Str("kind", string(res.Kind)).
			Str("reason", res.Failure.Reason).
			Msg(res.Failure.Message)
	case StatusCoalesced:
		d.log.Debug().
			Str("entity_id", string(res.EntityID)).
			Str("kind", string(res.Kind)).
			Msg("command coalesced into a later one")
	default:
		res.Status = StatusSucceeded
		_ = d.errors.Remove(string(res.EntityID))
		d.log.Info().
			Str("entity_id", string(res.EntityID)).
			Str("action", res.Action).
			Msg("command succeeded")
	}

	if d.recorder != nil {
		rec := Record{
			CommandID:   res.CommandID,
			EntityID:    res.EntityID,
			Kind:        res.Kind,
			Action:      res.Action,
			Params:      p.data,
			Status:      res.Status,
			StartedAt:   res.At,
			CompletedAt: d.now(),
		}
		if res.Failure != nil {
			rec.Error = res.Failure.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.recorder.Record(ctx, rec); err != nil {
			d.log.Warn().Err(err).Str("command_id", res.CommandID).Msg("failed to record command")
		}
		cancel()
	}
	return res
}

// LastError returns the most recent failed result for id, if it has not expired
// or been cleared by a later success.
func (d *Dispatcher) LastError(id entity.ID) (Result, bool) {
	v, err := d.errors.Get(string(id))
	if err != nil {
		return Result{}, false
	}
	res, ok := v.(Result)
	return res, ok
}

// ClearError drops the last error for id.
func (d *Dispatcher) ClearError(id entity.ID) {
	_ = d.errors.Remove(string(id))
}

// Reset drops scheduled sends, pending writes and last errors without any
// rollback. Requests already on the wire finish but their results are ignored.
func (d *Dispatcher) Reset() {
	d.generation.Add(1)
	d.debounce.Stop()
	d.pending.reset()
	_ = d.errors.Purge()
}

// Close resets the dispatcher and releases the error cache.
func (d *Dispatcher) Close() error {
	d.Reset()
	return d.errors.Close()
}
