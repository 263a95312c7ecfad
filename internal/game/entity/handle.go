package entity

import (
	"time"

	"github.com/cory-johannsen/arena/internal/game/npc"
)

// Kind distinguishes player combatants from NPC combatants.
type Kind int

const (
	KindPlayer Kind = iota
	KindNPC
)

// String returns a human-readable kind label.
func (k Kind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindNPC:
		return "npc"
	default:
		return "unknown"
	}
}

// Handle is the uniform view of one combatant consumed by the condition
// engine, ability gate, and tick driver. Exactly one Handle exists per live
// combatant; the Registry enforces this.
type Handle interface {
	// ID returns the entity identifier, unique for the lifetime of the match.
	ID() string
	// Kind reports whether the combatant is player- or computer-controlled.
	Kind() Kind
	// Underlying returns the wrapped raw combatant reference.
	Underlying() any
	// ApplyDamage reduces the combatant's health and returns the damage
	// actually applied. The caller must hold the entity's lock.
	ApplyDamage(amount int, damageType string, source Handle) int
	// ApplyHealing restores health and returns the amount actually
	// restored. The caller must hold the entity's lock.
	ApplyHealing(amount int) int
	// NotifyConditionApplied informs the combatant that a condition
	// landed on it. Best-effort; never fails.
	NotifyConditionApplied(conditionID string, stacks int, duration time.Duration, data map[string]any)
}

// CombatAdapter customises how NPC combatants take damage, e.g. to route
// through threat tables or scripted damage mitigation. It is optional; a nil
// adapter degrades to direct health reduction.
type CombatAdapter interface {
	Damage(inst *npc.Instance, amount int, damageType string, source Handle, critical bool) int
}

// playerHandle wraps a *Player. Damage always reduces health directly.
type playerHandle struct {
	player *Player
}

func (h *playerHandle) ID() string       { return h.player.UID() }
func (h *playerHandle) Kind() Kind       { return KindPlayer }
func (h *playerHandle) Underlying() any  { return h.player }

func (h *playerHandle) ApplyDamage(amount int, damageType string, source Handle) int {
	return h.player.ApplyDamage(amount)
}

func (h *playerHandle) ApplyHealing(amount int) int {
	return h.player.Heal(amount)
}

func (h *playerHandle) NotifyConditionApplied(conditionID string, stacks int, duration time.Duration, data map[string]any) {
	h.player.PushConditionEvent(ConditionEvent{
		ConditionID: conditionID,
		Stacks:      stacks,
		Duration:    duration,
		Data:        data,
	})
}

// npcHandle wraps a *npc.Instance. Damage is delegated to the combat adapter
// when one is configured, falling back to direct health reduction.
type npcHandle struct {
	inst    *npc.Instance
	adapter CombatAdapter
}

func (h *npcHandle) ID() string      { return h.inst.ID }
func (h *npcHandle) Kind() Kind      { return KindNPC }
func (h *npcHandle) Underlying() any { return h.inst }

func (h *npcHandle) ApplyDamage(amount int, damageType string, source Handle) int {
	if h.adapter != nil {
		return h.adapter.Damage(h.inst, amount, damageType, source, false)
	}
	return h.inst.ApplyDamage(amount, damageType)
}

func (h *npcHandle) ApplyHealing(amount int) int {
	return h.inst.Heal(amount)
}

func (h *npcHandle) NotifyConditionApplied(conditionID string, stacks int, duration time.Duration, data map[string]any) {
	// NPCs have no transport to notify; scripted behavior observes
	// conditions through the engine instead.
}
