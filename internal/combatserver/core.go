// Package combatserver bundles the combat engine's components behind one
// facade and drives periodic condition ticks.
package combatserver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/ability"
	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/entity"
	"github.com/cory-johannsen/arena/internal/game/lock"
	"github.com/cory-johannsen/arena/internal/game/npc"
	"github.com/cory-johannsen/arena/internal/game/stats"
	"github.com/cory-johannsen/arena/internal/scripting"
)

// Core is the exposed surface of the combat engine. It owns identity
// resolution and teardown; entity-state operations route through the gate,
// condition engine, and lock service it bundles.
type Core struct {
	mu   sync.RWMutex
	byID map[string]entity.Handle

	entities *entity.Registry
	locks    *lock.Service
	engine   *condition.Engine
	gate     *ability.Gate
	stats    stats.Provider
	logger   *zap.Logger

	removalCallbacks []func(entity.Handle)
}

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithRemovalCallback registers fn to run during OnEntityRemoved, before the
// entity's state is torn down. Used for persistence of departing combatants.
func WithRemovalCallback(fn func(entity.Handle)) CoreOption {
	return func(c *Core) { c.removalCallbacks = append(c.removalCallbacks, fn) }
}

// NewCore creates a Core over the given components.
//
// Precondition: all components must be non-nil.
func NewCore(entities *entity.Registry, locks *lock.Service, engine *condition.Engine, gate *ability.Gate, provider stats.Provider, logger *zap.Logger, opts ...CoreOption) *Core {
	c := &Core{
		byID:     make(map[string]entity.Handle),
		entities: entities,
		locks:    locks,
		engine:   engine,
		gate:     gate,
		stats:    provider,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BindScripting wires the Lua engine.* functions to this core. Hook scripts
// run inside a condition lifecycle transition, under the triggering entity's
// lock, so their effects apply directly rather than re-acquiring it. A hook
// that names a different entity mutates that entity without holding its
// entity lock; the engine's internal mutex keeps the state consistent, but
// such cross-entity effects are not serialised against that entity's own
// transitions.
func (c *Core) BindScripting(mgr *scripting.Manager) {
	mgr.DealDamage = func(entityID string, amount int, damageType string) int {
		h := c.handleByID(entityID)
		if h == nil {
			return 0
		}
		applied := h.ApplyDamage(amount, damageType, nil)
		if applied > 0 {
			c.engine.NotifyEvent(entityID, condition.EventDamaged, map[string]any{
				"amount":      applied,
				"damage_type": damageType,
			})
		}
		return applied
	}
	mgr.Heal = func(entityID string, amount int) int {
		h := c.handleByID(entityID)
		if h == nil {
			return 0
		}
		healed := h.ApplyHealing(amount)
		if healed > 0 {
			c.engine.NotifyEvent(entityID, condition.EventHealed, map[string]any{
				"amount": healed,
			})
		}
		return healed
	}
	mgr.ApplyCondition = func(entityID, conditionID string, stacks int, durationSeconds float64) bool {
		h := c.handleByID(entityID)
		if h == nil {
			return false
		}
		duration := time.Duration(durationSeconds * float64(time.Second))
		return c.engine.Apply(h, conditionID, stacks, duration, "", nil)
	}
	mgr.RemoveCondition = func(entityID, conditionID string) bool {
		if c.handleByID(entityID) == nil {
			return false
		}
		c.engine.Remove(entityID, conditionID)
		return true
	}
	mgr.Stat = func(entityID, stat string) float64 {
		return c.stats.ScalingCoefficient(entityID, stat)
	}
}

// ResolveEntity returns the memoized handle for raw, creating it on first
// access. Reports false for a reference the registry cannot wrap.
func (c *Core) ResolveEntity(raw any) (entity.Handle, bool) {
	h, ok := c.entities.Resolve(raw)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.byID[h.ID()] = h
	c.mu.Unlock()
	return h, true
}

// TryCast validates and executes an ability cast. Target references that do
// not resolve are skipped; an unresolvable caster fails the cast.
func (c *Core) TryCast(sourceRaw any, abilityID string, targetRaws []any) ability.CastResult {
	source, ok := c.ResolveEntity(sourceRaw)
	if !ok {
		return ability.CastResult{Reason: ability.ReasonUnknownEntity}
	}
	targets := make([]entity.Handle, 0, len(targetRaws))
	for _, raw := range targetRaws {
		if t, ok := c.ResolveEntity(raw); ok {
			targets = append(targets, t)
		} else {
			c.logger.Debug("cast target did not resolve, skipping",
				zap.String("source", source.ID()),
				zap.String("ability", abilityID))
		}
	}
	return c.gate.TryCast(source, abilityID, targets)
}

// ApplyCondition applies conditionID to the target under its entity lock.
//
// Postcondition: Returns false if the target does not resolve, its lock is
// busy, the condition is unknown, or an active condition prevents it.
func (c *Core) ApplyCondition(targetRaw any, conditionID string, stacks int, duration time.Duration, data map[string]any, sourceRaw any) bool {
	target, ok := c.ResolveEntity(targetRaw)
	if !ok {
		return false
	}
	sourceID := ""
	if sourceRaw != nil {
		if source, ok := c.ResolveEntity(sourceRaw); ok {
			sourceID = source.ID()
		}
	}
	applied := false
	granted := c.locks.WithLock(target.ID(), "apply "+conditionID, func() {
		applied = c.engine.Apply(target, conditionID, stacks, duration, sourceID, data)
	})
	return granted && applied
}

// RemoveCondition removes conditionID from the target under its entity
// lock. Removing an absent condition is a no-op success.
//
// Postcondition: Returns false only if the target does not resolve or its
// lock is busy.
func (c *Core) RemoveCondition(targetRaw any, conditionID string) bool {
	target, ok := c.ResolveEntity(targetRaw)
	if !ok {
		return false
	}
	return c.locks.WithLock(target.ID(), "remove "+conditionID, func() {
		c.engine.Remove(target.ID(), conditionID)
	})
}

// ActiveConditions returns snapshots of the target's live conditions, or nil
// if the target does not resolve.
func (c *Core) ActiveConditions(targetRaw any) []condition.Snapshot {
	target, ok := c.ResolveEntity(targetRaw)
	if !ok {
		return nil
	}
	return c.engine.ActiveConditions(target.ID())
}

// OnEntityRemoved tears down every trace of the entity: removal callbacks
// run first, then its lock is released, chain and cooldown state cleared,
// conditions removed with their on_remove hooks, and the registry entry
// evicted. Idempotent; calling it for a reference that never resolved is a
// no-op.
func (c *Core) OnEntityRemoved(raw any) {
	h, ok := c.entities.Lookup(raw)
	if !ok {
		return
	}
	for _, fn := range c.removalCallbacks {
		fn(h)
	}

	c.locks.Release(h.ID())
	c.gate.ClearEntity(h.ID())
	c.engine.ClearEntity(h.ID())
	c.entities.Evict(raw)

	c.mu.Lock()
	delete(c.byID, h.ID())
	c.mu.Unlock()

	switch u := h.Underlying().(type) {
	case *entity.Player:
		u.Close()
	case *npc.Instance:
		u.MarkRemoved()
	}
	c.logger.Info("entity removed", zap.String("entity", h.ID()), zap.Stringer("kind", h.Kind()))
}

func (c *Core) handleByID(entityID string) entity.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[entityID]
}
