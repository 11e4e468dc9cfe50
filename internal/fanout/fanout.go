// Package fanout notifies subscribers when entities they watch change.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/markus-barta/homedash/internal/entity"
	"github.com/rs/zerolog"
)

// Filter selects which entity changes a subscriber receives.
type Filter struct {
	all     bool
	ids     map[entity.ID]struct{}
	domains map[string]struct{}
}

// All matches every entity.
func All() Filter {
	return Filter{all: true}
}

// Entities matches the given ids.
func Entities(ids ...entity.ID) Filter {
	f := Filter{ids: make(map[entity.ID]struct{}, len(ids))}
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return f
}

// Domains matches every entity whose domain is one of domains.
func Domains(domains ...string) Filter {
	f := Filter{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		f.domains[d] = struct{}{}
	}
	return f
}

// Or returns a filter matching anything either f or o matches.
func (f Filter) Or(o Filter) Filter {
	if f.all || o.all {
		return All()
	}
	out := Filter{
		ids:     make(map[entity.ID]struct{}, len(f.ids)+len(o.ids)),
		domains: make(map[string]struct{}, len(f.domains)+len(o.domains)),
	}
	for _, src := range []Filter{f, o} {
		for id := range src.ids {
			out.ids[id] = struct{}{}
		}
		for d := range src.domains {
			out.domains[d] = struct{}{}
		}
	}
	return out
}

// IsAll reports whether the filter matches every entity.
func (f Filter) IsAll() bool { return f.all }

// Matches reports whether id passes the filter.
func (f Filter) Matches(id entity.ID) bool {
	if f.all {
		return true
	}
	if _, ok := f.ids[id]; ok {
		return true
	}
	_, ok := f.domains[id.Domain()]
	return ok
}

// Select returns the subset of changed that passes the filter.
func (f Filter) Select(changed []entity.ID) []entity.ID {
	if f.all {
		return changed
	}
	var out []entity.ID
	for _, id := range changed {
		if f.Matches(id) {
			out = append(out, id)
		}
	}
	return out
}

// Callback receives the changed ids that matched the subscriber's filter.
// Callbacks run synchronously on the notifying goroutine and must not block.
type Callback func(changed []entity.ID)

type subscription struct {
	id     uint64
	filter Filter
	cb     Callback
	active atomic.Bool
}

// Registry owns the subscriber list.
type Registry struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	log    zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log: log.With().Str("component", "fanout").Logger(),
	}
}

// Subscribe registers cb and returns its unsubscribe function. Unsubscribe may
// be called any number of times, including from inside a callback; once it
// returns, cb is not invoked again.
func (r *Registry) Subscribe(filter Filter, cb Callback) func() {
	sub := &subscription{filter: filter, cb: cb}
	sub.active.Store(true)

	r.mu.Lock()
	r.nextID++
	sub.id = r.nextID
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		r.remove(sub)
	}
}

func (r *Registry) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			// copy so an in-progress Notify keeps iterating its own snapshot
			next := make([]*subscription, 0, len(r.subs)-1)
			next = append(next, r.subs[:i]...)
			r.subs = append(next, r.subs[i+1:]...)
			return
		}
	}
}

// Notify invokes every subscriber whose filter intersects changed.
func (r *Registry) Notify(changed []entity.ID) {
	if len(changed) == 0 {
		return
	}

	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		ids := sub.filter.Select(changed)
		if len(ids) == 0 {
			continue
		}
		r.invoke(sub, ids)
	}
}

func (r *Registry) invoke(sub *subscription, ids []entity.ID) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Interface("panic", rec).
				Uint64("subscriber", sub.id).
				Msg("subscriber callback panicked")
		}
	}()
	sub.cb(ids)
}

// Clear removes every subscriber.
func (r *Registry) Clear() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
}

// Len returns the number of active subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
