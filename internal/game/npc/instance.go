package npc

import "sync/atomic"

// Instance is a live NPC combatant spawned from a template.
//
// Health mutation is not internally synchronised; callers must hold the
// instance's entity lock while applying damage or healing.
type Instance struct {
	// ID uniquely identifies this runtime instance.
	ID string
	// TemplateID is the source template's ID.
	TemplateID string
	// Name is copied from the template for display.
	Name string
	// Zone is the arena zone this instance currently occupies.
	Zone string
	// CurrentHP is the instance's current hit points.
	CurrentHP int
	// MaxHP is the instance's maximum hit points.
	MaxHP int
	// Armor is flat damage reduction applied to physical damage.
	Armor int
	// Level is the instance's level.
	Level int
	// Abilities lists granted ability IDs, copied from the template.
	Abilities []string

	removed atomic.Bool
}

// MarkRemoved flags the instance as despawned. A removed instance is no
// longer resolvable through the entity registry. Idempotent.
func (i *Instance) MarkRemoved() {
	i.removed.Store(true)
}

// IsRemoved reports whether the instance has been despawned.
func (i *Instance) IsRemoved() bool {
	return i.removed.Load()
}

// NewInstance creates a live NPC instance from a template, placed in zone.
//
// Precondition: id must be non-empty; tmpl must be non-nil.
// Postcondition: CurrentHP equals tmpl.MaxHP.
func NewInstance(id string, tmpl *Template, zone string) *Instance {
	abilities := make([]string, len(tmpl.Abilities))
	copy(abilities, tmpl.Abilities)
	return &Instance{
		ID:         id,
		TemplateID: tmpl.ID,
		Name:       tmpl.Name,
		Zone:       zone,
		CurrentHP:  tmpl.MaxHP,
		MaxHP:      tmpl.MaxHP,
		Armor:      tmpl.Armor,
		Level:      tmpl.Level,
		Abilities:  abilities,
	}
}

// IsDead reports whether the instance has been reduced to 0 HP.
func (i *Instance) IsDead() bool {
	return i.CurrentHP <= 0
}

// ApplyDamage reduces CurrentHP by amount after armor, flooring at zero, and
// returns the damage actually applied. Armor reduction applies only to
// "physical" damage.
//
// Precondition: amount must be >= 0; the caller must hold the entity lock.
// Postcondition: CurrentHP >= 0; return value >= 0.
func (i *Instance) ApplyDamage(amount int, damageType string) int {
	if damageType == "physical" {
		amount -= i.Armor
		if amount < 0 {
			amount = 0
		}
	}
	if amount > i.CurrentHP {
		amount = i.CurrentHP
	}
	i.CurrentHP -= amount
	return amount
}

// Heal raises CurrentHP by amount, capped at MaxHP, and returns the amount
// actually restored.
//
// Precondition: amount must be >= 0; the caller must hold the entity lock.
// Postcondition: CurrentHP <= MaxHP; return value >= 0.
func (i *Instance) Heal(amount int) int {
	missing := i.MaxHP - i.CurrentHP
	if amount > missing {
		amount = missing
	}
	i.CurrentHP += amount
	return amount
}
