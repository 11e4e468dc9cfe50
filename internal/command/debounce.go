package command

import (
	"sync"
	"time"

	"github.com/markus-barta/homedash/internal/entity"
)

type debounceKey struct {
	id   entity.ID
	kind Kind
}

type debounceEntry struct {
	timer   *time.Timer
	dropped func()
}

// Debouncer runs only the last function scheduled for a key within a quiet
// window. Keys are independent, so bursts on one entity never delay another.
type Debouncer struct {
	mu      sync.Mutex
	entries map[debounceKey]*debounceEntry
}

// NewDebouncer creates an empty debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{entries: make(map[debounceKey]*debounceEntry)}
}

// Schedule replaces any pending function for (id, kind) with fn and restarts
// the window. dropped, if not nil, runs when a later Schedule or a Cancel
// replaces fn before it fired; it does not run on Stop.
func (d *Debouncer) Schedule(id entity.ID, kind Kind, wait time.Duration, fn, dropped func()) {
	key := debounceKey{id: id, kind: kind}
	entry := &debounceEntry{dropped: dropped}

	d.mu.Lock()
	prev, replaced := d.entries[key]
	if replaced {
		prev.timer.Stop()
	}
	entry.timer = time.AfterFunc(wait, func() {
		d.mu.Lock()
		if d.entries[key] != entry {
			// superseded or stopped after the timer already fired
			d.mu.Unlock()
			return
		}
		delete(d.entries, key)
		d.mu.Unlock()
		fn()
	})
	d.entries[key] = entry
	d.mu.Unlock()

	if replaced && prev.dropped != nil {
		prev.dropped()
	}
}

// Cancel drops the pending function for (id, kind), if any. It reports whether
// there was one.
func (d *Debouncer) Cancel(id entity.ID, kind Kind) bool {
	key := debounceKey{id: id, kind: kind}

	d.mu.Lock()
	e, ok := d.entries[key]
	if ok {
		e.timer.Stop()
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if ok && e.dropped != nil {
		e.dropped()
	}
	return ok
}

// Stop drops every pending function.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, key)
	}
}

// Len returns the number of keys waiting for their window to close.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
