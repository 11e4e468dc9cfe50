// Package store holds the authoritative in-memory entity snapshots.
//
// Every write takes the store lock for its full duration and readers receive
// deep copies, so a reader never observes a primary state from one write mixed
// with attributes from another.
package store

import (
	"sync"
	"time"

	"github.com/markus-barta/homedash/internal/entity"
)

// Patch is an optimistic local update. Attributes are shallow-merged into the
// existing snapshot; State, when non-nil, replaces the primary state.
type Patch struct {
	State      *string
	Attributes entity.Attributes
}

// Store maps entity ids to their last known snapshot.
type Store struct {
	mu       sync.RWMutex
	entities map[entity.ID]entity.State
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entities: make(map[entity.ID]entity.State),
		now:      time.Now,
	}
}

// ReplaceAll replaces every snapshot with states. Entities missing from states
// are removed unless keep reports true for them; entities for which keep reports
// true are left untouched even if present in states. It returns the ids whose
// visible snapshot changed.
func (s *Store) ReplaceAll(states []entity.State, keep func(entity.ID) bool) []entity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []entity.ID
	seen := make(map[entity.ID]struct{}, len(states))

	for _, st := range states {
		seen[st.ID] = struct{}{}
		if keep != nil && keep(st.ID) {
			continue
		}
		if s.put(st) {
			changed = append(changed, st.ID)
		}
	}

	for id := range s.entities {
		if _, ok := seen[id]; ok {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(s.entities, id)
		changed = append(changed, id)
	}

	return changed
}

// ApplyEvent replaces a single snapshot. It reports whether anything changed.
func (s *Store) ApplyEvent(st entity.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(st)
}

// ApplyPatch merges patch into the existing snapshot of id. Unknown entities are
// left alone and reported as unchanged.
func (s *Store) ApplyPatch(id entity.ID, patch Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entities[id]
	if !ok {
		return false
	}

	next := cur.Clone()
	if next.Attributes == nil && len(patch.Attributes) > 0 {
		next.Attributes = make(entity.Attributes, len(patch.Attributes))
	}
	for k, v := range patch.Attributes.Clone() {
		next.Attributes[k] = v
	}

	now := s.now()
	if patch.State != nil && *patch.State != next.State {
		next.State = *patch.State
		next.LastChanged = now
	}
	if next.Equal(cur) {
		return false
	}
	next.LastUpdated = now
	s.entities[id] = next
	return true
}

// SetPrimary updates only the primary state of id.
func (s *Store) SetPrimary(id entity.ID, state string) bool {
	return s.ApplyPatch(id, Patch{State: &state})
}

// Restore puts back a previously captured snapshot (rollback).
func (s *Store) Restore(st entity.State) bool {
	return s.ApplyEvent(st)
}

// Remove deletes id. It reports whether the entity existed.
func (s *Store) Remove(id entity.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return false
	}
	delete(s.entities, id)
	return true
}

// Clear drops every snapshot and returns the removed ids.
func (s *Store) Clear() []entity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]entity.ID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.entities = make(map[entity.ID]entity.State)
	return ids
}

// Get returns a copy of the snapshot for id.
func (s *Store) Get(id entity.ID) (entity.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entities[id]
	if !ok {
		return entity.State{}, false
	}
	return st.Clone(), true
}

// GetMany returns copies of the snapshots that exist; missing ids are omitted.
func (s *Store) GetMany(ids []entity.ID) map[entity.ID]entity.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[entity.ID]entity.State, len(ids))
	for _, id := range ids {
		if st, ok := s.entities[id]; ok {
			out[id] = st.Clone()
		}
	}
	return out
}

// All returns copies of every snapshot.
func (s *Store) All() []entity.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.State, 0, len(s.entities))
	for _, st := range s.entities {
		out = append(out, st.Clone())
	}
	return out
}

// Len returns the number of tracked entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// put stores a copy of st; caller holds the write lock.
func (s *Store) put(st entity.State) bool {
	if cur, ok := s.entities[st.ID]; ok && cur.Equal(st) {
		return false
	}
	s.entities[st.ID] = st.Clone()
	return true
}
