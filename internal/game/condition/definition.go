// Package condition implements the status-effect lifecycle state machine:
// definitions, active records, and the engine that applies, stacks, ticks,
// expires, and transforms conditions on combatants.
package condition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings in
// YAML ("10s", "1.5m"). Bare numbers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.ParseFloat(s, 64)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs * float64(time.Second))
	}
	*d = Duration(parsed)
	return nil
}

// StackBehavior governs what happens when a condition is applied to an
// entity that already has it.
type StackBehavior string

const (
	// StackRefresh resets the duration; stacks are unchanged unless the
	// definition sets refresh_adds_stack.
	StackRefresh StackBehavior = "refresh"
	// StackAdd adds the requested stacks, capped at max_stacks, and
	// refreshes the duration.
	StackAdd StackBehavior = "add"
	// StackIndependent tracks a new, separately-timed instance instead of
	// merging with the existing one.
	StackIndependent StackBehavior = "independent"
)

// Transform describes an automatic replacement of this condition by another
// once its stack count crosses a threshold. Evaluated after every apply and
// tick.
type Transform struct {
	// WhenStacksAtLeast is the stack threshold that triggers the
	// transform. Zero disables it.
	WhenStacksAtLeast int `yaml:"when_stacks_at_least"`
	// Target is the condition ID applied in place of this one.
	Target string `yaml:"target"`
	// PreserveStacks carries the current stack count to the target
	// condition instead of starting at 1.
	PreserveStacks bool `yaml:"preserve_stacks"`
	// Data is the payload handed to the target condition's application.
	Data map[string]any `yaml:"data"`
}

// Hooks names the Lua global functions invoked on lifecycle events. Empty
// names are skipped.
type Hooks struct {
	OnApply      string `yaml:"on_apply"`
	OnTick       string `yaml:"on_tick"`
	OnExpire     string `yaml:"on_expire"`
	OnRemove     string `yaml:"on_remove"`
	OnDamaged    string `yaml:"on_damaged"`
	OnDealDamage string `yaml:"on_deal_damage"`
	OnHealed     string `yaml:"on_healed"`
	OnMove       string `yaml:"on_move"`
}

// Def is the static definition of a condition, loaded from YAML. Definitions
// are read-only at runtime; the engine only consumes them.
type Def struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// MaxStacks caps the stack count; 0 means unstackable (always 1).
	MaxStacks int `yaml:"max_stacks"`
	// DefaultDuration is used when an application supplies no duration.
	DefaultDuration Duration `yaml:"default_duration"`
	// StackBehavior governs re-application; empty defaults to refresh.
	StackBehavior StackBehavior `yaml:"stack_behavior"`
	// RefreshAddsStack makes refresh-behavior re-applications add one
	// stack (capped) in addition to resetting the duration.
	RefreshAddsStack bool `yaml:"refresh_adds_stack"`
	// RemoveStacksOnExpire is how many stacks fall off when the duration
	// lapses; 0 defaults to 1. Remaining stacks restart at the default
	// duration.
	RemoveStacksOnExpire int `yaml:"remove_stacks_on_expire"`
	// TickRate is the base interval between periodic effects; 0 means the
	// condition has no periodic effect.
	TickRate Duration `yaml:"tick_rate"`
	// Prevents lists condition IDs that cannot be applied while this
	// condition is active.
	Prevents []string `yaml:"prevents"`
	// Removes lists condition IDs stripped from the entity when this
	// condition is applied.
	Removes []string `yaml:"removes"`
	// Transform, if non-nil, replaces this condition with another when
	// its predicate holds.
	Transform *Transform `yaml:"transform"`
	// Hooks names the Lua lifecycle hooks.
	Hooks Hooks `yaml:"hooks"`
}

// EffectiveMaxStacks returns the stack cap, treating 0 (unstackable) as 1.
func (d *Def) EffectiveMaxStacks() int {
	if d.MaxStacks < 1 {
		return 1
	}
	return d.MaxStacks
}

// Behavior returns the stack behavior, defaulting empty to StackRefresh.
func (d *Def) Behavior() StackBehavior {
	if d.StackBehavior == "" {
		return StackRefresh
	}
	return d.StackBehavior
}

// ExpiryStackLoss returns how many stacks fall off per expiry, defaulting to 1.
func (d *Def) ExpiryStackLoss() int {
	if d.RemoveStacksOnExpire < 1 {
		return 1
	}
	return d.RemoveStacksOnExpire
}

// Validate checks that the definition satisfies basic invariants.
//
// Postcondition: Returns nil iff ID is non-empty, MaxStacks >= 0, durations
// are non-negative, the stack behavior is known, and any transform names a
// target.
func (d *Def) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("condition def: id must not be empty")
	}
	if d.MaxStacks < 0 {
		return fmt.Errorf("condition def %q: max_stacks must be >= 0", d.ID)
	}
	if d.DefaultDuration < 0 {
		return fmt.Errorf("condition def %q: default_duration must be >= 0", d.ID)
	}
	if d.TickRate < 0 {
		return fmt.Errorf("condition def %q: tick_rate must be >= 0", d.ID)
	}
	switch d.StackBehavior {
	case "", StackRefresh, StackAdd, StackIndependent:
	default:
		return fmt.Errorf("condition def %q: unknown stack_behavior %q", d.ID, d.StackBehavior)
	}
	if d.RemoveStacksOnExpire < 0 {
		return fmt.Errorf("condition def %q: remove_stacks_on_expire must be >= 0", d.ID)
	}
	if d.Transform != nil {
		if d.Transform.Target == "" {
			return fmt.Errorf("condition def %q: transform.target must not be empty", d.ID)
		}
		if d.Transform.Target == d.ID {
			return fmt.Errorf("condition def %q: transform.target must differ from the condition itself", d.ID)
		}
		if d.Transform.WhenStacksAtLeast < 1 {
			return fmt.Errorf("condition def %q: transform.when_stacks_at_least must be >= 1", d.ID)
		}
	}
	return nil
}

// Registry holds all known condition Defs keyed by ID.
type Registry struct {
	defs map[string]*Def
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// Register adds def to the registry, overwriting any existing entry with the
// same ID.
//
// Precondition: def must not be nil and def.ID must not be empty.
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
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns a non-nil Registry, or an error if any file fails
// to parse or validate.
func LoadDirectory(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading condition dir %q: %w", dir, err)
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
