// Package ability implements ability definitions, the cast gate that
// validates cooldowns, grants, and resource costs, and the tracker for
// chained combo sequences.
package ability

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/dice"
)

// Effect kinds routed by the gate on a successful cast.
const (
	EffectDamage    = "damage"
	EffectHeal      = "heal"
	EffectCondition = "condition"
)

// Effect is one entry in an ability's effect list, applied to every resolved
// target.
type Effect struct {
	Type string `yaml:"type"`
	// Amount is a flat damage or heal amount, added to any dice roll.
	Amount int `yaml:"amount"`
	// Dice is an optional dice expression ("2d6+3") rolled per target.
	Dice       string `yaml:"dice"`
	DamageType string `yaml:"damage_type"`
	// ConditionID, Stacks, Duration, and Data describe a condition effect.
	ConditionID string             `yaml:"condition_id"`
	Stacks      int                `yaml:"stacks"`
	Duration    condition.Duration `yaml:"duration"`
	Data        map[string]any     `yaml:"data"`
}

// Resource is the cost deducted from the caster on a successful cast.
type Resource struct {
	Type   string `yaml:"type"`
	Amount int    `yaml:"amount"`
}

// Chain marks an ability as one link of a combo sequence.
type Chain struct {
	Chained bool `yaml:"chained"`
	// Position is the 1-based link index within the sequence.
	Position int `yaml:"position"`
	// Next names the ability that continues the chain; empty marks the
	// terminal link.
	Next string `yaml:"next"`
	// Timeout is the window after this link lands in which the next link
	// must be cast. Unused on the terminal link.
	Timeout condition.Duration `yaml:"timeout"`
}

// Def is the static definition of an ability, loaded from YAML.
type Def struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Cooldown is the per-ability lockout after a successful cast.
	Cooldown condition.Duration `yaml:"cooldown"`
	// CooldownCategory, when set, shares the cooldown with every ability
	// in the same category instead of tracking it per ability.
	CooldownCategory string    `yaml:"cooldown_category"`
	Resource         *Resource `yaml:"resource"`
	Effects          []Effect  `yaml:"effects"`
	Chain            *Chain    `yaml:"chain"`
}

// CooldownKey returns the key cooldowns are tracked under: the shared
// category when one is set, otherwise the ability's own ID.
func (d *Def) CooldownKey() string {
	if d.CooldownCategory != "" {
		return d.CooldownCategory
	}
	return d.ID
}

// IsChained reports whether the ability participates in a combo sequence.
func (d *Def) IsChained() bool {
	return d.Chain != nil && d.Chain.Chained
}

// Validate checks the definition's invariants, including that any dice
// expressions parse.
func (d *Def) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("ability def: id must not be empty")
	}
	if d.Cooldown < 0 {
		return fmt.Errorf("ability def %q: cooldown must be >= 0", d.ID)
	}
	if d.Resource != nil {
		if d.Resource.Type == "" {
			return fmt.Errorf("ability def %q: resource.type must not be empty", d.ID)
		}
		if d.Resource.Amount < 0 {
			return fmt.Errorf("ability def %q: resource.amount must be >= 0", d.ID)
		}
	}
	for i, eff := range d.Effects {
		switch eff.Type {
		case EffectDamage, EffectHeal:
			if eff.Dice != "" {
				if _, err := dice.Parse(eff.Dice); err != nil {
					return fmt.Errorf("ability def %q: effect %d: %w", d.ID, i, err)
				}
			}
			if eff.Amount < 0 {
				return fmt.Errorf("ability def %q: effect %d: amount must be >= 0", d.ID, i)
			}
		case EffectCondition:
			if eff.ConditionID == "" {
				return fmt.Errorf("ability def %q: effect %d: condition_id must not be empty", d.ID, i)
			}
		default:
			return fmt.Errorf("ability def %q: effect %d: unknown type %q", d.ID, i, eff.Type)
		}
	}
	if d.Chain != nil && d.Chain.Chained {
		if d.Chain.Position < 1 {
			return fmt.Errorf("ability def %q: chain.position must be >= 1", d.ID)
		}
		if d.Chain.Next != "" && d.Chain.Timeout <= 0 {
			return fmt.Errorf("ability def %q: chain.timeout must be > 0 on non-terminal links", d.ID)
		}
	}
	return nil
}

// Registry holds all known ability Defs keyed by ID.
type Registry struct {
	defs map[string]*Def
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// Register adds def, overwriting any existing entry with the same ID.
func (r *Registry) Register(def *Def) {
	r.defs[def.ID] = def
}

// Get returns the Def for id, or (nil, false) if not found.
func (r *Registry) Get(id string) (*Def, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// All returns a snapshot slice of all registered Defs.
func (r *Registry) All() []*Def {
	out := make([]*Def, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// LoadDirectory reads every *.yaml file in dir, parses each as a Def, and
// returns a populated Registry.
func LoadDirectory(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading ability dir %q: %w", dir, err)
	}
	reg := NewRegistry()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		var def Def
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("validating %q: %w", path, err)
		}
		reg.Register(&def)
	}
	return reg, nil
}
