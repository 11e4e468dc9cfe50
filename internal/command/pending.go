package command

import (
	"sync"
	"time"

	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/store"
	"github.com/rs/zerolog"
)

// Write is one unresolved optimistic write. There is at most one per entity: a
// newer write replaces the older one but keeps its baseline, so a rollback
// always returns to the last state the hub reported before the burst began.
type Write struct {
	EntityID entity.ID
	Seq      uint64
	Kind     Kind
	Patch    store.Patch
	Baseline entity.State
	IssuedAt time.Time
	// Deadline is zero until the request is sent.
	Deadline time.Time
	// Settled is set once the request succeeded; the write still guards against
	// snapshots until confirmed by an event or expired.
	Settled bool

	timer *time.Timer
}

// Pending is the dispatcher's table of unresolved writes. It implements
// reconcile.PendingSet.
type Pending struct {
	mu     sync.Mutex
	writes map[entity.ID]*Write
	seq    uint64
	now    func() time.Time
	log    zerolog.Logger
}

func newPending(log zerolog.Logger) *Pending {
	return &Pending{
		writes: make(map[entity.ID]*Write),
		now:    time.Now,
		log:    log,
	}
}

// add registers a new write for id and returns its sequence number.
func (p *Pending) add(id entity.ID, kind Kind, patch store.Patch, cur entity.State) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	w := &Write{
		EntityID: id,
		Seq:      p.seq,
		Kind:     kind,
		Patch:    patch,
		Baseline: cur,
		IssuedAt: p.now(),
	}
	if prev, ok := p.writes[id]; ok {
		w.Baseline = prev.Baseline
		stopTimer(prev)
	}
	p.writes[id] = w
	return w.Seq
}

// arm starts the expiry timer for write seq once its request is on the wire.
// It is a no-op if seq has been superseded.
func (p *Pending) arm(id entity.ID, seq uint64, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.writes[id]
	if !ok || w.Seq != seq {
		return
	}
	stopTimer(w)
	w.Deadline = p.now().Add(timeout)
	w.timer = time.AfterFunc(timeout, func() { p.expire(id, seq) })
}

func (p *Pending) expire(id entity.ID, seq uint64) {
	if p.clearIf(id, seq) {
		p.log.Debug().Str("entity_id", string(id)).Uint64("seq", seq).Int("rule", 3).
			Msg("pending write expired unconfirmed, keeping optimistic value")
	}
}

// settle marks write seq as acknowledged by the hub.
func (p *Pending) settle(id entity.ID, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writes[id]; ok && w.Seq == seq {
		w.Settled = true
	}
}

// takeIfCurrent removes write seq and returns its baseline, but only if seq is
// still the entity's latest write.
func (p *Pending) takeIfCurrent(id entity.ID, seq uint64) (entity.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.writes[id]
	if !ok || w.Seq != seq {
		return entity.State{}, false
	}
	stopTimer(w)
	delete(p.writes, id)
	return w.Baseline, true
}

func (p *Pending) clearIf(id entity.ID, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.writes[id]
	if !ok || w.Seq != seq {
		return false
	}
	stopTimer(w)
	delete(p.writes, id)
	return true
}

// Lookup returns the issue time of the latest unresolved write for id.
func (p *Pending) Lookup(id entity.ID) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.writes[id]
	if !ok {
		return time.Time{}, false
	}
	return w.IssuedAt, true
}

// Clear discards the write for id without rollback.
func (p *Pending) Clear(id entity.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writes[id]; ok {
		stopTimer(w)
		delete(p.writes, id)
	}
}

// Get returns a copy of the write for id.
func (p *Pending) Get(id entity.ID) (Write, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.writes[id]
	if !ok {
		return Write{}, false
	}
	out := *w
	out.timer = nil
	return out, true
}

// Len returns the number of unresolved writes.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

// reset drops every write and stops their timers.
func (p *Pending) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.writes {
		stopTimer(w)
	}
	p.writes = make(map[entity.ID]*Write)
}

func stopTimer(w *Write) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
