// Package stats provides the stat and resource collaborator consumed by the
// ability gate and condition engine. The engine never owns stat math; it
// reads resources and scaling coefficients through the Provider interface.
package stats

import "sync"

// Well-known resource and stat names used by ability and condition definitions.
const (
	ResourceStamina = "stamina"
	ResourceMana    = "mana"

	StatActionSpeed = "action_speed"
	StatPower       = "power"
)

// Provider supplies per-entity resources and scaling coefficients.
//
// Implementations MUST be safe for concurrent use.
type Provider interface {
	// Resource returns the current amount of the named resource for the
	// entity, or 0 for an unknown entity or resource.
	Resource(entityID, resourceType string) int

	// DeductResource atomically subtracts amount from the named resource.
	// Returns false (and deducts nothing) if the entity is unknown or the
	// balance is insufficient.
	//
	// Precondition: amount >= 0.
	DeductResource(entityID, resourceType string, amount int) bool

	// ScalingCoefficient returns the entity's multiplier for the named
	// stat. Unknown entities and stats scale at 1.0.
	ScalingCoefficient(entityID, stat string) float64
}

// MemoryStore is an in-memory Provider used by the server runtime and tests.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]map[string]int
	scaling   map[string]map[string]float64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]map[string]int),
		scaling:   make(map[string]map[string]float64),
	}
}

// SetResource sets the entity's balance for the named resource.
//
// Precondition: entityID and resourceType must be non-empty.
func (s *MemoryStore) SetResource(entityID, resourceType string, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[entityID] == nil {
		s.resources[entityID] = make(map[string]int)
	}
	s.resources[entityID][resourceType] = amount
}

// AddResource adds amount (which may be negative) to the entity's balance,
// flooring at zero.
func (s *MemoryStore) AddResource(entityID, resourceType string, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[entityID] == nil {
		s.resources[entityID] = make(map[string]int)
	}
	next := s.resources[entityID][resourceType] + amount
	if next < 0 {
		next = 0
	}
	s.resources[entityID][resourceType] = next
}

// Resource returns the entity's current balance for the named resource.
//
// Postcondition: Returns 0 for unknown entities or resources.
func (s *MemoryStore) Resource(entityID, resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[entityID][resourceType]
}

// DeductResource subtracts amount if the balance covers it.
//
// Precondition: amount >= 0.
// Postcondition: Returns true iff the balance was sufficient; on false the
// balance is unchanged.
func (s *MemoryStore) DeductResource(entityID, resourceType string, amount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := s.resources[entityID][resourceType]
	if have < amount {
		return false
	}
	s.resources[entityID][resourceType] = have - amount
	return true
}

// SetScaling sets the entity's coefficient for the named stat.
func (s *MemoryStore) SetScaling(entityID, stat string, coefficient float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scaling[entityID] == nil {
		s.scaling[entityID] = make(map[string]float64)
	}
	s.scaling[entityID][stat] = coefficient
}

// ScalingCoefficient returns the entity's coefficient for the named stat.
//
// Postcondition: Returns 1.0 for unknown entities or stats.
func (s *MemoryStore) ScalingCoefficient(entityID, stat string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.scaling[entityID][stat]; ok {
		return c
	}
	return 1.0
}

// Clear removes all entries for the given entity. Used on entity teardown.
//
// Postcondition: Resource and ScalingCoefficient return zero values for entityID.
func (s *MemoryStore) Clear(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, entityID)
	delete(s.scaling, entityID)
}
