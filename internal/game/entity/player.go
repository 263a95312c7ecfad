// Package entity provides the combatant handle abstraction and the registry
// that caches handles per live combatant.
package entity

import (
	"fmt"
	"sync"
	"time"
)

// ConditionEvent is pushed to a player's event channel when a condition is
// applied to them, bridging the engine to whatever transport serves the
// player.
type ConditionEvent struct {
	ConditionID string
	Stacks      int
	Duration    time.Duration
	Data        map[string]any
}

// Player is a live player combatant.
//
// Health mutation is not internally synchronised; callers must hold the
// player's entity lock while applying damage or healing. The event channel
// has its own lock and may be pushed to from any goroutine.
type Player struct {
	// DBID is the character's database primary key.
	DBID int64
	// Name is the character display name.
	Name string
	// Zone is the arena zone the player occupies.
	Zone string
	// CurrentHP is the player's current hit points.
	CurrentHP int
	// MaxHP is the player's maximum hit points.
	MaxHP int
	// Level is the player's current level.
	Level int

	mu     sync.Mutex
	events chan ConditionEvent
	closed bool
}

// NewPlayer creates a live player combatant with a buffered event channel.
//
// Precondition: dbID > 0; name must be non-empty; maxHP >= 1.
// Postcondition: CurrentHP equals maxHP and the event channel is open.
func NewPlayer(dbID int64, name string, maxHP, level int) *Player {
	return &Player{
		DBID:      dbID,
		Name:      name,
		CurrentHP: maxHP,
		MaxHP:     maxHP,
		Level:     level,
		events:    make(chan ConditionEvent, 64),
	}
}

// UID returns the player's stable entity identifier.
func (p *Player) UID() string {
	return fmt.Sprintf("player-%d", p.DBID)
}

// ApplyDamage reduces CurrentHP by amount, flooring at zero, and returns the
// damage actually applied.
//
// Precondition: amount >= 0; the caller must hold the entity lock.
// Postcondition: CurrentHP >= 0.
func (p *Player) ApplyDamage(amount int) int {
	if amount > p.CurrentHP {
		amount = p.CurrentHP
	}
	p.CurrentHP -= amount
	return amount
}

// Heal raises CurrentHP by amount, capped at MaxHP, and returns the amount
// actually restored.
//
// Precondition: amount >= 0; the caller must hold the entity lock.
// Postcondition: CurrentHP <= MaxHP.
func (p *Player) Heal(amount int) int {
	missing := p.MaxHP - p.CurrentHP
	if amount > missing {
		amount = missing
	}
	p.CurrentHP += amount
	return amount
}

// PushConditionEvent enqueues ev for the player's transport goroutine.
// If the channel is full or the player is closed the event is dropped;
// condition notifications are best-effort feedback, never control flow.
func (p *Player) PushConditionEvent(ev ConditionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

// Events returns the read-only condition event channel.
func (p *Player) Events() <-chan ConditionEvent {
	return p.events
}

// Closed reports whether the player has left the world. A closed player is
// no longer resolvable through the registry.
func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close marks the player as closed and closes the event channel.
// Safe to call multiple times.
//
// Postcondition: Further PushConditionEvent calls are dropped.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}
