package ability

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChainState is the live combo position of one entity.
type ChainState struct {
	// AbilityID is the link most recently landed.
	AbilityID string
	// Position is the 1-based index of that link.
	Position int
	// NextAbilityID names the only ability that continues the chain.
	NextAbilityID string
	// Deadline is when the window to land the next link closes.
	Deadline time.Time
}

// Tracker owns, per entity, the current position within a chained-ability
// sequence and the deadline to land the next hit. An entity not present in
// the tracker has no active chain.
//
// The tracker's mutex protects its map; logical serialization per entity is
// the cast path's responsibility.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*ChainState
	logger *zap.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		states: make(map[string]*ChainState),
		logger: logger,
	}
}

// Eligible reports whether def may be cast by the entity right now with
// respect to chain sequencing only. Non-chained abilities and first links
// are always eligible; a later link is eligible only while it is the
// expected next ability and the window is still open. Read-only.
func (t *Tracker) Eligible(entityID string, def *Def, now time.Time) bool {
	if !def.IsChained() || def.Chain.Position <= 1 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok || now.After(st.Deadline) {
		return false
	}
	return st.NextAbilityID == def.ID
}

// Advance records a successful cast of a chained ability and returns the
// combo position that executed. Casting a first link always restarts the
// chain; a terminal link clears it. Non-chained abilities return 0 and do
// not touch chain state.
//
// Precondition: Eligible(entityID, def, now) returned true for this cast.
func (t *Tracker) Advance(entityID string, def *Def, now time.Time) int {
	if !def.IsChained() {
		return 0
	}
	c := def.Chain
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.Position <= 1 {
		if prior, ok := t.states[entityID]; ok {
			t.logger.Debug("chain restarted by first link",
				zap.String("entity", entityID),
				zap.String("ability", def.ID),
				zap.Int("prior_position", prior.Position))
		}
		if c.Next == "" {
			// A single-link chain completes immediately.
			delete(t.states, entityID)
			return 1
		}
		t.states[entityID] = &ChainState{
			AbilityID:     def.ID,
			Position:      1,
			NextAbilityID: c.Next,
			Deadline:      now.Add(c.Timeout.Std()),
		}
		return 1
	}

	if c.Next == "" {
		delete(t.states, entityID)
		return c.Position
	}
	t.states[entityID] = &ChainState{
		AbilityID:     def.ID,
		Position:      c.Position,
		NextAbilityID: c.Next,
		Deadline:      now.Add(c.Timeout.Std()),
	}
	return c.Position
}

// Interrupt resets the entity's chain to none, if any.
func (t *Tracker) Interrupt(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[entityID]; ok {
		t.logger.Debug("chain interrupted",
			zap.String("entity", entityID),
			zap.String("ability", st.AbilityID),
			zap.Int("position", st.Position))
		delete(t.states, entityID)
	}
}

// Clear drops the entity's chain state without logging. Used for teardown;
// idempotent.
func (t *Tracker) Clear(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, entityID)
}

// Current returns a copy of the entity's chain state. Introspection only;
// an expired window is still reported until the next cast prunes it.
func (t *Tracker) Current(entityID string) (ChainState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok {
		return ChainState{}, false
	}
	return *st, true
}
