package npc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Manager tracks all live NPC instances by ID and by zone.
// All methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance       // instanceID → Instance
	zoneSets  map[string]map[string]bool // zone → set of instanceIDs
}

// NewManager creates an empty NPC Manager.
func NewManager() *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		zoneSets:  make(map[string]map[string]bool),
	}
}

// Spawn creates a new Instance from tmpl and places it in zone.
//
// Precondition: tmpl must be non-nil; zone must be non-empty.
// Postcondition: Returns a new Instance with a unique ID registered in zone.
func (m *Manager) Spawn(tmpl *Template, zone string) (*Instance, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("npc.Manager.Spawn: tmpl must not be nil")
	}
	if zone == "" {
		return nil, fmt.Errorf("npc.Manager.Spawn: zone must not be empty")
	}

	id := fmt.Sprintf("%s-%s", tmpl.ID, uuid.NewString())
	inst := NewInstance(id, tmpl, zone)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[id] = inst
	if m.zoneSets[zone] == nil {
		m.zoneSets[zone] = make(map[string]bool)
	}
	m.zoneSets[zone][id] = true

	return inst, nil
}

// Remove deletes an instance by ID.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an error if the instance is not found.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("npc instance %q not found", id)
	}

	if zs, ok := m.zoneSets[inst.Zone]; ok {
		delete(zs, id)
		if len(zs) == 0 {
			delete(m.zoneSets, inst.Zone)
		}
	}
	delete(m.instances, id)
	inst.MarkRemoved()
	return nil
}

// Get returns the instance with the given ID.
//
// Postcondition: Returns (inst, true) if found, or (nil, false) otherwise.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// InstancesInZone returns a snapshot of all live instances in zone.
//
// Postcondition: Returns a non-nil slice (may be empty).
func (m *Manager) InstancesInZone(zone string) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.zoneSets[zone]
	if !ok {
		return []*Instance{}
	}

	out := make([]*Instance, 0, len(ids))
	for id := range ids {
		if inst, ok := m.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// Count returns the total number of live instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
