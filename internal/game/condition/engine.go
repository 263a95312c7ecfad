package condition

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/entity"
	"github.com/cory-johannsen/arena/internal/game/stats"
)

// maxTransformDepth bounds transform chains so two definitions that
// transform into each other cannot recurse forever.
const maxTransformDepth = 4

// Event identifies a combat event that active conditions may react to.
type Event string

const (
	EventDamaged    Event = "damaged"
	EventDealDamage Event = "deal_damage"
	EventHealed     Event = "healed"
	EventMove       Event = "move"
)

// HookRunner executes a named lifecycle hook with the given environment.
// Implementations absorb script errors; a hook failure never aborts the
// state transition that triggered it.
type HookRunner interface {
	CallHook(hook string, env map[string]any) bool
}

// Engine tracks active conditions across all entities and drives their
// lifecycle: apply, stack, tick, expire, transform, remove.
//
// The engine's internal mutex protects only its own maps. Callers are
// responsible for serialising transitions on a single entity through the
// entity lock service; the engine does not acquire entity locks itself, so
// lifecycle hooks that re-enter the engine for the same entity work under
// the lock their triggering operation already holds.
type Engine struct {
	mu       sync.RWMutex
	entities map[string]*entityState

	defs        *Registry
	stats       stats.Provider
	hooks       HookRunner
	logger      *zap.Logger
	minTickRate time.Duration
	now         func() time.Time
}

type entityState struct {
	handle entity.Handle
	// conditions maps condition ID to its live instances. Only
	// StackIndependent conditions ever have more than one entry.
	conditions map[string][]*Active
}

// hookCall is a deferred hook invocation, fired after the engine mutex is
// released so hooks can safely re-enter the engine.
type hookCall struct {
	name string
	env  map[string]any
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks sets the lifecycle hook runner. Without one, hooks are skipped.
func WithHooks(h HookRunner) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithClock overrides the engine's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMinTickRate sets the floor that action-speed scaling can never push a
// condition's effective tick interval below.
func WithMinTickRate(d time.Duration) Option {
	return func(e *Engine) { e.minTickRate = d }
}

// NewEngine creates an Engine over the given definitions.
//
// Precondition: defs, provider, and logger must not be nil.
func NewEngine(defs *Registry, provider stats.Provider, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		entities:    make(map[string]*entityState),
		defs:        defs,
		stats:       provider,
		logger:      logger,
		minTickRate: 250 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply applies conditionID to target with the requested stacks, duration,
// source, and payload. Zero or negative stacks are treated as 1; a zero
// duration falls back to the definition's default. Re-application follows
// the definition's stack behavior.
//
// Precondition: The caller holds target's entity lock.
// Postcondition: Returns false if the condition is unknown or an active
// condition prevents it; otherwise the condition is active on target and
// true is returned. Lifecycle hooks run after the state change and cannot
// abort it.
func (e *Engine) Apply(target entity.Handle, conditionID string, stacks int, duration time.Duration, sourceID string, data map[string]any) bool {
	def, ok := e.defs.Get(conditionID)
	if !ok {
		e.logger.Warn("apply of unknown condition ignored",
			zap.String("entity", target.ID()),
			zap.String("condition", conditionID))
		return false
	}

	e.mu.Lock()
	state := e.stateLocked(target)

	if blocker := e.preventedByLocked(state, conditionID); blocker != "" {
		e.mu.Unlock()
		e.logger.Debug("condition application prevented",
			zap.String("entity", target.ID()),
			zap.String("condition", conditionID),
			zap.String("prevented_by", blocker))
		return false
	}

	var calls []hookCall
	for _, removed := range def.Removes {
		e.removeLocked(state, removed, &calls)
	}

	applied := e.applyLocked(state, def, stacks, duration, sourceID, data, &calls, 0)
	e.mu.Unlock()

	e.fire(calls)
	if applied != nil {
		target.NotifyConditionApplied(def.ID, applied.Stacks, applied.ExpiresAt.Sub(e.now()), applied.Data)
	}
	return true
}

// Remove strips conditionID from the entity, invoking its on_remove hook
// once per removed instance. Removing a condition that is not active is a
// no-op.
//
// Precondition: The caller holds the entity's lock.
func (e *Engine) Remove(entityID, conditionID string) {
	e.mu.Lock()
	var calls []hookCall
	if state, ok := e.entities[entityID]; ok {
		e.removeLocked(state, conditionID, &calls)
		if len(state.conditions) == 0 {
			delete(e.entities, entityID)
		}
	}
	e.mu.Unlock()
	e.fire(calls)
}

// ActiveConditions returns snapshots of every live condition instance on the
// entity. The result is a copy; callers may retain it freely.
func (e *Engine) ActiveConditions(entityID string) []Snapshot {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.entities[entityID]
	if !ok {
		return nil
	}
	var out []Snapshot
	for _, instances := range state.conditions {
		for _, a := range instances {
			out = append(out, a.snapshot(now))
		}
	}
	return out
}

// HasCondition reports whether at least one instance of conditionID is
// active on the entity.
func (e *Engine) HasCondition(entityID, conditionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.entities[entityID]
	if !ok {
		return false
	}
	return len(state.conditions[conditionID]) > 0
}

// EntitiesWithConditions returns the handles of every entity that currently
// has at least one active condition. Used by the tick driver to enumerate
// work.
func (e *Engine) EntitiesWithConditions() []entity.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]entity.Handle, 0, len(e.entities))
	for _, state := range e.entities {
		out = append(out, state.handle)
	}
	return out
}

// ClearEntity strips every condition the entity has, invoking on_remove once
// per live instance, exactly as an explicit Remove would. Used for teardown
// when the entity leaves the world; idempotent.
//
// Precondition: The caller has taken the entity out of play; no concurrent
// transitions on it may be in flight.
func (e *Engine) ClearEntity(entityID string) {
	e.mu.Lock()
	var calls []hookCall
	if state, ok := e.entities[entityID]; ok {
		for conditionID := range state.conditions {
			e.removeLocked(state, conditionID, &calls)
		}
		delete(e.entities, entityID)
	}
	e.mu.Unlock()
	e.fire(calls)
}

// TickEntity advances every condition on target: periodic effects fire at
// most once per effective interval, lapsed durations shed stacks, and
// fully-depleted conditions expire with their on_expire hook.
//
// Precondition: The caller holds target's entity lock.
func (e *Engine) TickEntity(target entity.Handle, now time.Time) {
	speed := e.stats.ScalingCoefficient(target.ID(), stats.StatActionSpeed)

	e.mu.Lock()
	state, ok := e.entities[target.ID()]
	if !ok {
		e.mu.Unlock()
		return
	}

	var calls []hookCall
	for conditionID, instances := range state.conditions {
		def, ok := e.defs.Get(conditionID)
		if !ok {
			// Definition vanished out from under a live instance;
			// drop it rather than tick it blind.
			e.logger.Error("active condition has no definition, dropping",
				zap.String("entity", target.ID()),
				zap.String("condition", conditionID))
			delete(state.conditions, conditionID)
			continue
		}

		kept := instances[:0]
		for _, a := range instances {
			if def.TickRate > 0 {
				interval := effectiveTickRate(def.TickRate.Std(), speed, e.minTickRate)
				if !now.Before(a.LastTickAt.Add(interval)) {
					a.LastTickAt = now
					e.queueHook(&calls, def.Hooks.OnTick, target.ID(), a)
				}
			}

			if now.Before(a.ExpiresAt) {
				kept = append(kept, a)
				continue
			}

			a.Stacks -= def.ExpiryStackLoss()
			if a.Stacks >= 1 {
				a.ExpiresAt = now.Add(def.DefaultDuration.Std())
				kept = append(kept, a)
				continue
			}
			a.Stacks = 0
			e.queueHook(&calls, def.Hooks.OnExpire, target.ID(), a)
		}
		if len(kept) == 0 {
			delete(state.conditions, conditionID)
		} else {
			state.conditions[conditionID] = kept
		}
	}

	// Transforms may have become eligible after ticking.
	for conditionID := range state.conditions {
		if def, ok := e.defs.Get(conditionID); ok {
			e.evaluateTransformLocked(state, def, &calls, 0)
		}
	}

	if len(state.conditions) == 0 {
		delete(e.entities, target.ID())
	}
	e.mu.Unlock()

	e.fire(calls)
}

// NotifyEvent fires the matching reaction hook of every active condition on
// the entity. The extras map is merged into each hook's environment.
//
// Precondition: The caller holds the entity's lock.
func (e *Engine) NotifyEvent(entityID string, event Event, extras map[string]any) {
	e.mu.RLock()
	state, ok := e.entities[entityID]
	var calls []hookCall
	if ok {
		for conditionID, instances := range state.conditions {
			def, found := e.defs.Get(conditionID)
			if !found {
				continue
			}
			var hook string
			switch event {
			case EventDamaged:
				hook = def.Hooks.OnDamaged
			case EventDealDamage:
				hook = def.Hooks.OnDealDamage
			case EventHealed:
				hook = def.Hooks.OnHealed
			case EventMove:
				hook = def.Hooks.OnMove
			}
			if hook == "" {
				continue
			}
			for _, a := range instances {
				env := hookEnv(entityID, a)
				for k, v := range extras {
					env[k] = v
				}
				calls = append(calls, hookCall{name: hook, env: env})
			}
		}
	}
	e.mu.RUnlock()
	e.fire(calls)
}

// stateLocked returns the entity's state, creating it on first use.
func (e *Engine) stateLocked(target entity.Handle) *entityState {
	state, ok := e.entities[target.ID()]
	if !ok {
		state = &entityState{
			handle:     target,
			conditions: make(map[string][]*Active),
		}
		e.entities[target.ID()] = state
	}
	return state
}

// preventedByLocked returns the ID of an active condition that prevents
// conditionID, or "" if nothing does.
func (e *Engine) preventedByLocked(state *entityState, conditionID string) string {
	for activeID, instances := range state.conditions {
		if len(instances) == 0 {
			continue
		}
		def, ok := e.defs.Get(activeID)
		if !ok {
			continue
		}
		for _, prevented := range def.Prevents {
			if prevented == conditionID {
				return activeID
			}
		}
	}
	return ""
}

// applyLocked performs the stacking state change and queues hooks. Returns
// the instance that now represents the application, or nil if it was
// swallowed (for example by an immediate transform).
func (e *Engine) applyLocked(state *entityState, def *Def, stacks int, duration time.Duration, sourceID string, data map[string]any, calls *[]hookCall, depth int) *Active {
	if stacks < 1 {
		stacks = 1
	}
	if stacks > def.EffectiveMaxStacks() {
		stacks = def.EffectiveMaxStacks()
	}
	if duration <= 0 {
		duration = def.DefaultDuration.Std()
	}
	now := e.now()

	instances := state.conditions[def.ID]
	var applied *Active
	switch {
	case len(instances) == 0 || def.Behavior() == StackIndependent:
		if def.Behavior() == StackIndependent && len(instances) >= def.EffectiveMaxStacks() {
			// At the instance cap the oldest instance makes way
			// for the new one, without firing its expiry hook.
			oldest := 0
			for i, a := range instances {
				if a.ExpiresAt.Before(instances[oldest].ExpiresAt) {
					oldest = i
				}
			}
			instances = append(instances[:oldest], instances[oldest+1:]...)
		}
		applied = &Active{
			ConditionID: def.ID,
			InstanceID:  uuid.NewString(),
			Stacks:      stacks,
			AppliedAt:   now,
			ExpiresAt:   now.Add(duration),
			LastTickAt:  now,
			SourceID:    sourceID,
			Data:        data,
		}
		state.conditions[def.ID] = append(instances, applied)
		e.queueHook(calls, def.Hooks.OnApply, state.handle.ID(), applied)

	case def.Behavior() == StackAdd:
		applied = instances[0]
		applied.Stacks += stacks
		if applied.Stacks > def.EffectiveMaxStacks() {
			applied.Stacks = def.EffectiveMaxStacks()
		}
		applied.ExpiresAt = now.Add(duration)
		if data != nil {
			applied.Data = data
		}
		if sourceID != "" {
			applied.SourceID = sourceID
		}
		e.queueHook(calls, def.Hooks.OnApply, state.handle.ID(), applied)

	default: // StackRefresh
		applied = instances[0]
		applied.ExpiresAt = now.Add(duration)
		if def.RefreshAddsStack && applied.Stacks < def.EffectiveMaxStacks() {
			applied.Stacks++
		}
		if data != nil {
			applied.Data = data
		}
		if sourceID != "" {
			applied.SourceID = sourceID
		}
		e.queueHook(calls, def.Hooks.OnApply, state.handle.ID(), applied)
	}

	if e.evaluateTransformLocked(state, def, calls, depth) {
		return nil
	}
	return applied
}

// evaluateTransformLocked replaces def's condition with its transform target
// when the stack threshold is met. Returns true if a transform fired.
func (e *Engine) evaluateTransformLocked(state *entityState, def *Def, calls *[]hookCall, depth int) bool {
	if def.Transform == nil || depth >= maxTransformDepth {
		return false
	}
	instances := state.conditions[def.ID]
	total := 0
	for _, a := range instances {
		total += a.Stacks
	}
	if total < def.Transform.WhenStacksAtLeast {
		return false
	}
	targetDef, ok := e.defs.Get(def.Transform.Target)
	if !ok {
		e.logger.Error("transform target is not a known condition",
			zap.String("entity", state.handle.ID()),
			zap.String("condition", def.ID),
			zap.String("target", def.Transform.Target))
		return false
	}

	sourceID := ""
	if len(instances) > 0 {
		sourceID = instances[0].SourceID
	}
	for _, a := range instances {
		e.queueHook(calls, def.Hooks.OnRemove, state.handle.ID(), a)
	}
	delete(state.conditions, def.ID)

	stacks := 1
	if def.Transform.PreserveStacks {
		stacks = total
	}
	e.applyLocked(state, targetDef, stacks, 0, sourceID, def.Transform.Data, calls, depth+1)
	e.logger.Info("condition transformed",
		zap.String("entity", state.handle.ID()),
		zap.String("from", def.ID),
		zap.String("to", targetDef.ID),
		zap.Int("stacks", stacks))
	return true
}

// removeLocked drops every instance of conditionID from the entity, queueing
// its on_remove hook per instance.
func (e *Engine) removeLocked(state *entityState, conditionID string, calls *[]hookCall) {
	instances := state.conditions[conditionID]
	if len(instances) == 0 {
		return
	}
	def, ok := e.defs.Get(conditionID)
	for _, a := range instances {
		if ok {
			e.queueHook(calls, def.Hooks.OnRemove, state.handle.ID(), a)
		}
	}
	delete(state.conditions, conditionID)
}

func (e *Engine) queueHook(calls *[]hookCall, hook, entityID string, a *Active) {
	if hook == "" || e.hooks == nil {
		return
	}
	*calls = append(*calls, hookCall{name: hook, env: hookEnv(entityID, a)})
}

func (e *Engine) fire(calls []hookCall) {
	if e.hooks == nil {
		return
	}
	for _, c := range calls {
		e.hooks.CallHook(c.name, c.env)
	}
}

func hookEnv(entityID string, a *Active) map[string]any {
	env := map[string]any{
		"entity_id":    entityID,
		"condition_id": a.ConditionID,
		"stacks":       a.Stacks,
		"source_id":    a.SourceID,
	}
	if len(a.Data) > 0 {
		data := make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			data[k] = v
		}
		env["data"] = data
	}
	return env
}

// effectiveTickRate scales the base interval by the entity's action speed
// coefficient and clamps the result to the configured floor.
func effectiveTickRate(base time.Duration, speed float64, floor time.Duration) time.Duration {
	if speed <= 0 {
		speed = 1
	}
	scaled := time.Duration(float64(base) / speed)
	if scaled < floor {
		scaled = floor
	}
	return scaled
}
