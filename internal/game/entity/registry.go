package entity

import (
	"sync"

	"github.com/cory-johannsen/arena/internal/game/npc"
)

// Registry caches Handles keyed by raw combatant reference identity.
//
// Invariant: at most one Handle exists per raw reference. The registry holds
// non-owning associations; entries are freed by an explicit Evict when the
// combatant leaves the world, never by implicit reclamation.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[any]Handle
	adapter CombatAdapter
}

// NewRegistry creates an empty Registry. adapter may be nil; NPC damage then
// falls back to direct health reduction.
func NewRegistry(adapter CombatAdapter) *Registry {
	return &Registry{
		handles: make(map[any]Handle),
		adapter: adapter,
	}
}

// Resolve returns the Handle for raw, creating and caching it on first
// access. Raw references that are not known combatant types, or that have
// already left the world, resolve to (nil, false); this is not an error.
//
// Postcondition: Two Resolve calls with the same raw reference return the
// identical Handle, even under concurrent resolution.
func (r *Registry) Resolve(raw any) (Handle, bool) {
	if raw == nil {
		return nil, false
	}

	r.mu.RLock()
	h, ok := r.handles[raw]
	r.mu.RUnlock()
	if ok {
		return h, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another resolver may have won the race between the read and write
	// locks; the cached handle wins.
	if h, ok := r.handles[raw]; ok {
		return h, true
	}

	switch v := raw.(type) {
	case *Player:
		if v.Closed() {
			return nil, false
		}
		h = &playerHandle{player: v}
	case *npc.Instance:
		if v.IsRemoved() {
			return nil, false
		}
		h = &npcHandle{inst: v, adapter: r.adapter}
	default:
		return nil, false
	}

	r.handles[raw] = h
	return h, true
}

// Lookup returns the cached Handle for raw without creating one.
//
// Postcondition: Returns (nil, false) if raw was never resolved or was evicted.
func (r *Registry) Lookup(raw any) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[raw]
	return h, ok
}

// Evict removes the cached Handle for raw. Subsequent Resolve calls for the
// same reference would create a fresh handle; callers evict only when the
// combatant is leaving the world.
//
// Postcondition: Lookup(raw) returns false.
func (r *Registry) Evict(raw any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, raw)
}

// ClearCache resets the registry to empty. Used for test isolation.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[any]Handle)
}

// Size returns the number of cached handles.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
