// Package reconcile merges full snapshots, push events and optimistic writes into
// the store with fixed precedence:
//
//  1. a full snapshot never overwrites an entity with an unresolved pending write
//  2. a push event at or after the write's issue time clears the write and wins
//  3. an unconfirmed write that times out is discarded, not rolled back
//  4. a failed control request rolls back to the snapshot captured at write time
//
// Every decision runs under one engine lock so the outcome never depends on the
// interleaving of goroutines. Change notifications are sent after the lock is
// released.
package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/store"
	"github.com/rs/zerolog"
)

// ErrUnknownEntity is returned when an optimistic write targets an entity the
// store has never seen.
var ErrUnknownEntity = errors.New("unknown entity")

// PendingSet is the read/clear view of unresolved optimistic writes. The
// command dispatcher owns the writes; the engine only asks about them.
type PendingSet interface {
	// Lookup returns the time the latest unresolved write for id was issued.
	Lookup(id entity.ID) (issuedAt time.Time, ok bool)
	// Clear discards any unresolved write for id.
	Clear(id entity.ID)
}

// Source records which input last set an entity's visible state.
type Source int

const (
	SourceNone Source = iota
	SourceSnapshot
	SourceEvent
	SourceOptimistic
	SourceRollback
)

func (s Source) String() string {
	switch s {
	case SourceSnapshot:
		return "snapshot"
	case SourceEvent:
		return "event"
	case SourceOptimistic:
		return "optimistic"
	case SourceRollback:
		return "rollback"
	default:
		return "none"
	}
}

// SnapshotReport describes what one full snapshot did to the store.
type SnapshotReport struct {
	Changed   []entity.ID // visible state changed or entity removed
	Skipped   []entity.ID // held back by a pending write (rule 1)
	Disagreed []entity.ID // snapshot differed from the last push event
}

// Engine applies the precedence rules to a store.
type Engine struct {
	mu      sync.Mutex
	store   *store.Store
	pending PendingSet
	notify  func([]entity.ID)
	now     func() time.Time
	log     zerolog.Logger

	source        map[entity.ID]Source
	lastEvent     map[entity.ID]entity.State
	disagreeSince map[entity.ID]time.Time
}

// New creates an engine over st. Until SetPending is called no entity is
// considered to have a pending write.
func New(st *store.Store, log zerolog.Logger) *Engine {
	return &Engine{
		store:         st,
		pending:       noPending{},
		notify:        func([]entity.ID) {},
		now:           time.Now,
		log:           log.With().Str("component", "reconcile").Logger(),
		source:        make(map[entity.ID]Source),
		lastEvent:     make(map[entity.ID]entity.State),
		disagreeSince: make(map[entity.ID]time.Time),
	}
}

// SetPending installs the dispatcher's pending-write view.
func (e *Engine) SetPending(p PendingSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p == nil {
		p = noPending{}
	}
	e.pending = p
}

// OnChange sets the hook that receives changed ids after every mutation.
func (e *Engine) OnChange(fn func(changed []entity.ID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		fn = func([]entity.ID) {}
	}
	e.notify = fn
}

// Store returns the underlying store for reads.
func (e *Engine) Store() *store.Store {
	return e.store
}

// ApplySnapshot installs a full-state fetch. Entities with a pending write keep
// their optimistic value (rule 1); all others are replaced, and entities absent
// from states are removed.
func (e *Engine) ApplySnapshot(states []entity.State) SnapshotReport {
	e.mu.Lock()

	var report SnapshotReport
	now := e.now()

	held := make(map[entity.ID]bool)
	keep := func(id entity.ID) bool {
		if v, ok := held[id]; ok {
			return v
		}
		_, ok := e.pending.Lookup(id)
		held[id] = ok
		return ok
	}

	for _, st := range states {
		if keep(st.ID) {
			report.Skipped = append(report.Skipped, st.ID)
			e.log.Debug().Str("entity_id", string(st.ID)).Int("rule", 1).Msg("snapshot skipped, write pending")
			continue
		}
		pushed, ok := e.lastEvent[st.ID]
		if ok && !sameValue(pushed, st) {
			if _, seen := e.disagreeSince[st.ID]; !seen {
				e.disagreeSince[st.ID] = now
			}
			report.Disagreed = append(report.Disagreed, st.ID)
			continue
		}
		delete(e.disagreeSince, st.ID)
	}

	report.Changed = e.store.ReplaceAll(states, keep)

	present := make(map[entity.ID]struct{}, len(states))
	for _, st := range states {
		present[st.ID] = struct{}{}
	}
	for _, id := range report.Changed {
		if _, ok := present[id]; ok {
			e.source[id] = SourceSnapshot
		} else {
			e.forget(id)
		}
	}
	for _, st := range states {
		if !held[st.ID] && e.source[st.ID] == SourceNone {
			e.source[st.ID] = SourceSnapshot
		}
	}

	notify := e.notify
	e.mu.Unlock()

	e.log.Debug().
		Int("count", len(states)).
		Int("changed", len(report.Changed)).
		Int("skipped", len(report.Skipped)).
		Msg("applied snapshot")

	notify(report.Changed)
	return report
}

// ApplyEvent applies one push event. A nil st means the entity was removed from
// the hub. firedAt is the hub's timestamp for the change; a zero value is treated
// as current.
//
// While a write is pending, an event at or after its issue time confirms it and
// replaces the optimistic value (rule 2). An older event describes the state
// before the write and is dropped so the optimistic value is not reverted.
func (e *Engine) ApplyEvent(id entity.ID, st *entity.State, firedAt time.Time) bool {
	e.mu.Lock()

	if issuedAt, ok := e.pending.Lookup(id); ok {
		if !firedAt.IsZero() && firedAt.Before(issuedAt) {
			e.mu.Unlock()
			e.log.Warn().
				Str("entity_id", string(id)).
				Time("fired_at", firedAt).
				Time("issued_at", issuedAt).
				Msg("event predates pending write, ignored; check hub clock if this repeats")
			return false
		}
		e.pending.Clear(id)
		e.log.Debug().Str("entity_id", string(id)).Int("rule", 2).Msg("pending write confirmed by event")
	}

	var changed bool
	if st == nil {
		changed = e.store.Remove(id)
		e.forget(id)
	} else {
		next := st.Clone()
		next.ID = id
		changed = e.store.ApplyEvent(next)
		e.source[id] = SourceEvent
		e.lastEvent[id] = next
	}

	notify := e.notify
	e.mu.Unlock()

	if changed {
		notify([]entity.ID{id})
	}
	return changed
}

// Optimistic applies a local patch to id. build receives the current snapshot
// and returns the patch to apply; it runs under the engine lock so the dispatcher
// can register its pending write atomically with the patch. If build fails
// nothing is applied. The snapshot from before the patch is returned.
func (e *Engine) Optimistic(id entity.ID, build func(cur entity.State) (store.Patch, error)) (entity.State, error) {
	e.mu.Lock()

	cur, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return entity.State{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}

	patch, err := build(cur.Clone())
	if err != nil {
		e.mu.Unlock()
		return cur, err
	}

	changed := e.store.ApplyPatch(id, patch)
	if changed {
		e.source[id] = SourceOptimistic
	}

	notify := e.notify
	e.mu.Unlock()

	if changed {
		notify([]entity.ID{id})
	}
	return cur, nil
}

// Rollback restores the snapshot captured when a write began (rule 4). resolve
// runs under the engine lock and returns that snapshot only if the failed write
// is still the entity's current one; a superseded or already confirmed write is
// not rolled back.
func (e *Engine) Rollback(id entity.ID, resolve func() (entity.State, bool)) bool {
	e.mu.Lock()

	baseline, ok := resolve()
	if !ok {
		e.mu.Unlock()
		return false
	}

	changed := e.store.Restore(baseline)
	e.source[id] = SourceRollback

	notify := e.notify
	e.mu.Unlock()

	e.log.Debug().Str("entity_id", string(id)).Int("rule", 4).Str("state", baseline.State).Msg("rolled back")
	if changed {
		notify([]entity.ID{id})
	}
	return true
}

// Source returns which input last set id.
func (e *Engine) Source(id entity.ID) Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source[id]
}

// StaleSince returns the entities whose full snapshot has disagreed with the push
// channel for at least d, with the time the disagreement was first seen.
func (e *Engine) StaleSince(d time.Duration) map[entity.ID]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-d)
	out := make(map[entity.ID]time.Time)
	for id, since := range e.disagreeSince {
		if !since.After(cutoff) {
			out[id] = since
		}
	}
	return out
}

// Reset clears the store and all bookkeeping. The removed ids are announced.
func (e *Engine) Reset() []entity.ID {
	e.mu.Lock()
	removed := e.store.Clear()
	e.source = make(map[entity.ID]Source)
	e.lastEvent = make(map[entity.ID]entity.State)
	e.disagreeSince = make(map[entity.ID]time.Time)
	notify := e.notify
	e.mu.Unlock()

	notify(removed)
	return removed
}

func (e *Engine) forget(id entity.ID) {
	delete(e.source, id)
	delete(e.lastEvent, id)
	delete(e.disagreeSince, id)
}

func sameValue(a, b entity.State) bool {
	return a.State == b.State && a.Attributes.Equal(b.Attributes)
}

type noPending struct{}

func (noPending) Lookup(entity.ID) (time.Time, bool) { return time.Time{}, false }
func (noPending) Clear(entity.ID)                    {}
