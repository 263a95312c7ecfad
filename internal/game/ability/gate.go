package ability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/dice"
	"github.com/cory-johannsen/arena/internal/game/entity"
	"github.com/cory-johannsen/arena/internal/game/lock"
	"github.com/cory-johannsen/arena/internal/game/stats"
)

// Reason explains why a cast was rejected.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonUnknownAbility       Reason = "UNKNOWN_ABILITY"
	ReasonUnknownEntity        Reason = "UNKNOWN_ENTITY"
	ReasonNotGranted           Reason = "NOT_GRANTED"
	ReasonOnCooldown           Reason = "ON_COOLDOWN"
	ReasonInsufficientResource Reason = "INSUFFICIENT_RESOURCE"
	ReasonChainWindow          Reason = "CHAIN_WINDOW"
	ReasonLockContention       Reason = "LOCK_CONTENTION"
)

// CastResult is the outcome of a TryCast. Reason is set only when OK is
// false.
type CastResult struct {
	OK     bool
	Reason Reason
}

// Conditions is the slice of the condition engine the gate needs for
// routing condition effects and reaction events.
type Conditions interface {
	Apply(target entity.Handle, conditionID string, stacks int, duration time.Duration, sourceID string, data map[string]any) bool
	NotifyEvent(entityID string, event condition.Event, extras map[string]any)
}

// Gate resolves whether an ability cast is currently legal and, on success,
// routes the ability's effects to the targets. All validation and caster
// state mutation happens under the caster's entity lock; each target's
// effects are applied under that target's lock.
type Gate struct {
	mu        sync.Mutex
	grants    map[string]map[string]struct{}
	cooldowns map[string]map[string]time.Time

	defs       *Registry
	chains     *Tracker
	conditions Conditions
	locks      *lock.Service
	stats      stats.Provider
	roller     *dice.Roller
	logger     *zap.Logger
	now        func() time.Time

	interruptChainOnUnrelatedCast bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the gate's time source for tests.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithChainInterrupt makes any successful non-chain cast reset the caster's
// active chain.
func WithChainInterrupt(enabled bool) GateOption {
	return func(g *Gate) { g.interruptChainOnUnrelatedCast = enabled }
}

// NewGate creates a Gate.
//
// Precondition: all collaborators must be non-nil.
func NewGate(defs *Registry, chains *Tracker, conditions Conditions, locks *lock.Service, provider stats.Provider, roller *dice.Roller, logger *zap.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		grants:     make(map[string]map[string]struct{}),
		cooldowns:  make(map[string]map[string]time.Time),
		defs:       defs,
		chains:     chains,
		conditions: conditions,
		locks:      locks,
		stats:      provider,
		roller:     roller,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grant makes abilityID castable by the entity.
func (g *Gate) Grant(entityID, abilityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.grants[entityID]
	if !ok {
		set = make(map[string]struct{})
		g.grants[entityID] = set
	}
	set[abilityID] = struct{}{}
}

// Revoke removes the entity's grant for abilityID, if any.
func (g *Gate) Revoke(entityID, abilityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.grants[entityID]; ok {
		delete(set, abilityID)
		if len(set) == 0 {
			delete(g.grants, entityID)
		}
	}
}

// IsGranted reports whether the entity may cast abilityID.
func (g *Gate) IsGranted(entityID, abilityID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.grants[entityID][abilityID]
	return ok
}

// CooldownRemaining returns how long until abilityID is ready for the
// entity, zero if ready now. Introspection only.
func (g *Gate) CooldownRemaining(entityID, abilityID string) time.Duration {
	def, ok := g.defs.Get(abilityID)
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	readyAt, ok := g.cooldowns[entityID][def.CooldownKey()]
	if !ok {
		return 0
	}
	remaining := readyAt.Sub(g.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearEntity drops the entity's grants, cooldowns, and chain state. Used
// for teardown; idempotent.
func (g *Gate) ClearEntity(entityID string) {
	g.mu.Lock()
	delete(g.grants, entityID)
	delete(g.cooldowns, entityID)
	g.mu.Unlock()
	g.chains.Clear(entityID)
}

// TryCast validates and executes a cast of abilityID by source against
// targets.
//
// Checks run in order: ability known, granted, cooldown elapsed, chain
// window open, resource cost satisfiable. The cast is all-or-nothing: a
// rejected cast deducts no resource, starts no cooldown, advances no chain,
// and applies no effect.
//
// Postcondition: On success the resource is deducted, the cooldown started,
// the chain advanced if the ability is chained, and every effect routed to
// every target under that target's entity lock. A target whose lock cannot
// be acquired is skipped with a warning; the cast still reports OK.
func (g *Gate) TryCast(source entity.Handle, abilityID string, targets []entity.Handle) CastResult {
	def, ok := g.defs.Get(abilityID)
	if !ok {
		g.logger.Debug("cast of unknown ability",
			zap.String("entity", source.ID()),
			zap.String("ability", abilityID))
		return CastResult{Reason: ReasonUnknownAbility}
	}

	var result CastResult
	granted := g.locks.WithLock(source.ID(), "cast "+def.ID, func() {
		result = g.commitCast(source, def)
	})
	if !granted {
		return CastResult{Reason: ReasonLockContention}
	}
	if !result.OK {
		g.logger.Debug("cast rejected",
			zap.String("entity", source.ID()),
			zap.String("ability", def.ID),
			zap.String("reason", string(result.Reason)))
		return result
	}

	g.applyEffects(source, def, targets)
	return result
}

// commitCast runs the validation sequence and, when every check passes,
// mutates the caster's resource, cooldown, and chain state.
//
// Precondition: The caller holds source's entity lock.
func (g *Gate) commitCast(source entity.Handle, def *Def) CastResult {
	now := g.now()

	g.mu.Lock()
	if _, ok := g.grants[source.ID()][def.ID]; !ok {
		g.mu.Unlock()
		return CastResult{Reason: ReasonNotGranted}
	}
	if readyAt, ok := g.cooldowns[source.ID()][def.CooldownKey()]; ok && now.Before(readyAt) {
		g.mu.Unlock()
		return CastResult{Reason: ReasonOnCooldown}
	}
	g.mu.Unlock()

	if !g.chains.Eligible(source.ID(), def, now) {
		g.chains.Clear(source.ID())
		return CastResult{Reason: ReasonChainWindow}
	}

	if def.Resource != nil && def.Resource.Amount > 0 {
		if !g.stats.DeductResource(source.ID(), def.Resource.Type, def.Resource.Amount) {
			return CastResult{Reason: ReasonInsufficientResource}
		}
	}

	if def.Cooldown > 0 {
		g.mu.Lock()
		byKey, ok := g.cooldowns[source.ID()]
		if !ok {
			byKey = make(map[string]time.Time)
			g.cooldowns[source.ID()] = byKey
		}
		byKey[def.CooldownKey()] = now.Add(def.Cooldown.Std())
		g.mu.Unlock()
	}

	if def.IsChained() {
		pos := g.chains.Advance(source.ID(), def, now)
		g.logger.Debug("chain advanced",
			zap.String("entity", source.ID()),
			zap.String("ability", def.ID),
			zap.Int("position", pos))
	} else if g.interruptChainOnUnrelatedCast {
		g.chains.Interrupt(source.ID())
	}

	return CastResult{OK: true}
}

// applyEffects routes every effect to every target, each target under its
// own entity lock.
func (g *Gate) applyEffects(source entity.Handle, def *Def, targets []entity.Handle) {
	totalDealt := 0
	for _, target := range targets {
		dealt := 0
		granted := g.locks.WithLock(target.ID(), "effects "+def.ID, func() {
			dealt = g.applyToTarget(source, def, target)
		})
		if !granted {
			g.logger.Warn("target busy, skipping ability effects",
				zap.String("entity", target.ID()),
				zap.String("ability", def.ID),
				zap.String("source", source.ID()))
			continue
		}
		totalDealt += dealt
	}

	if totalDealt > 0 {
		g.locks.WithLock(source.ID(), "deal-damage reactions", func() {
			g.conditions.NotifyEvent(source.ID(), condition.EventDealDamage, map[string]any{
				"amount":  totalDealt,
				"ability": def.ID,
			})
		})
	}
}

// applyToTarget applies every effect of def to one target and returns the
// damage actually dealt.
//
// Precondition: The caller holds target's entity lock.
func (g *Gate) applyToTarget(source entity.Handle, def *Def, target entity.Handle) int {
	dealt := 0
	for _, eff := range def.Effects {
		switch eff.Type {
		case EffectDamage:
			amount := g.rollAmount(eff)
			if power := g.stats.ScalingCoefficient(source.ID(), stats.StatPower); power != 1.0 && power > 0 {
				amount = int(float64(amount) * power)
			}
			damageType := eff.DamageType
			if damageType == "" {
				damageType = "physical"
			}
			applied := target.ApplyDamage(amount, damageType, source)
			dealt += applied
			g.conditions.NotifyEvent(target.ID(), condition.EventDamaged, map[string]any{
				"amount":      applied,
				"damage_type": damageType,
				"source_id":   source.ID(),
				"ability":     def.ID,
			})

		case EffectHeal:
			amount := g.rollAmount(eff)
			healed := target.ApplyHealing(amount)
			g.conditions.NotifyEvent(target.ID(), condition.EventHealed, map[string]any{
				"amount":    healed,
				"source_id": source.ID(),
				"ability":   def.ID,
			})

		case EffectCondition:
			g.conditions.Apply(target, eff.ConditionID, eff.Stacks, eff.Duration.Std(), source.ID(), eff.Data)
		}
	}
	return dealt
}

func (g *Gate) rollAmount(eff Effect) int {
	amount := eff.Amount
	if eff.Dice != "" {
		result, err := g.roller.RollExpr(eff.Dice)
		if err != nil {
			// Definitions are validated at load; an unparsable
			// expression here means the registry was bypassed.
			g.logger.Error("invalid dice expression in effect",
				zap.String("dice", eff.Dice),
				zap.Error(err))
			return amount
		}
		amount += result.Total()
	}
	return amount
}
