package ability_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/game/ability"
	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/dice"
	"github.com/cory-johannsen/arena/internal/game/entity"
	"github.com/cory-johannsen/arena/internal/game/lock"
	"github.com/cory-johannsen/arena/internal/game/stats"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixedSource struct{ v int }

func (f fixedSource) Intn(n int) int {
	if f.v >= n {
		return n - 1
	}
	return f.v
}

// recordingConditions captures condition applications and events routed by
// the gate.
type recordingConditions struct {
	mu      sync.Mutex
	applies []appliedCondition
	events  []routedEvent
}

type appliedCondition struct {
	entityID    string
	conditionID string
	stacks      int
	duration    time.Duration
	sourceID    string
}

type routedEvent struct {
	entityID string
	event    condition.Event
	extras   map[string]any
}

func (r *recordingConditions) Apply(target entity.Handle, conditionID string, stacks int, duration time.Duration, sourceID string, data map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies = append(r.applies, appliedCondition{
		entityID:    target.ID(),
		conditionID: conditionID,
		stacks:      stacks,
		duration:    duration,
		sourceID:    sourceID,
	})
	return true
}

func (r *recordingConditions) NotifyEvent(entityID string, event condition.Event, extras map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, routedEvent{entityID: entityID, event: event, extras: extras})
}

func (r *recordingConditions) eventCount(event condition.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	gate       *ability.Gate
	clock      *manualClock
	locks      *lock.Service
	store      *stats.MemoryStore
	conditions *recordingConditions
	source     entity.Handle
	target     entity.Handle
}

func strikeDef() *ability.Def {
	return &ability.Def{
		ID:       "strike",
		Name:     "Strike",
		Cooldown: condition.Duration(5 * time.Second),
		Resource: &ability.Resource{Type: stats.ResourceStamina, Amount: 10},
		Effects: []ability.Effect{
			{Type: ability.EffectDamage, Amount: 4, Dice: "1d6", DamageType: "physical"},
		},
	}
}

func newFixture(t *testing.T, defs ...*ability.Def) *fixture {
	t.Helper()
	clock := newManualClock()
	logger := zaptest.NewLogger(t)
	locks := lock.NewService(lock.DefaultTimeout, logger, lock.WithClock(clock.Now))
	store := stats.NewMemoryStore()
	conditions := &recordingConditions{}
	reg := ability.NewRegistry()
	for _, d := range defs {
		require.NoError(t, d.Validate())
		reg.Register(d)
	}
	tracker := ability.NewTracker(logger)
	roller := dice.NewLoggedRoller(fixedSource{v: 2}, logger)
	gate := ability.NewGate(reg, tracker, conditions, locks, store, roller, logger,
		ability.WithGateClock(clock.Now))

	entities := entity.NewRegistry(nil)
	source, _ := entities.Resolve(entity.NewPlayer(1, "alice", 100, 5))
	target, _ := entities.Resolve(entity.NewPlayer(2, "bob", 100, 5))
	store.SetResource(source.ID(), stats.ResourceStamina, 100)

	return &fixture{
		gate:       gate,
		clock:      clock,
		locks:      locks,
		store:      store,
		conditions: conditions,
		source:     source,
		target:     target,
	}
}

func TestGate_UnknownAbility(t *testing.T) {
	f := newFixture(t, strikeDef())
	res := f.gate.TryCast(f.source, "no-such-ability", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonUnknownAbility, res.Reason)
}

func TestGate_NotGranted(t *testing.T) {
	f := newFixture(t, strikeDef())
	res := f.gate.TryCast(f.source, "strike", []entity.Handle{f.target})
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonNotGranted, res.Reason)
}

func TestGate_SuccessfulCastAppliesDamage(t *testing.T) {
	f := newFixture(t, strikeDef())
	f.gate.Grant(f.source.ID(), "strike")

	res := f.gate.TryCast(f.source, "strike", []entity.Handle{f.target})
	require.True(t, res.OK)

	// Flat 4 plus a fixed d6 roll of 3.
	bob := f.target.Underlying().(*entity.Player)
	assert.Equal(t, 93, bob.CurrentHP)
	assert.Equal(t, 90, f.store.Resource(f.source.ID(), stats.ResourceStamina))
	assert.Equal(t, 1, f.conditions.eventCount(condition.EventDamaged))
	assert.Equal(t, 1, f.conditions.eventCount(condition.EventDealDamage))
}

func TestGate_PowerScalesDamage(t *testing.T) {
	f := newFixture(t, strikeDef())
	f.gate.Grant(f.source.ID(), "strike")
	f.store.SetScaling(f.source.ID(), stats.StatPower, 2.0)

	res := f.gate.TryCast(f.source, "strike", []entity.Handle{f.target})
	require.True(t, res.OK)

	// (4 + fixed d6 roll of 3) doubled by the caster's power coefficient.
	bob := f.target.Underlying().(*entity.Player)
	assert.Equal(t, 86, bob.CurrentHP)
}

func TestGate_CooldownBlocksSecondCast(t *testing.T) {
	f := newFixture(t, strikeDef())
	f.gate.Grant(f.source.ID(), "strike")

	require.True(t, f.gate.TryCast(f.source, "strike", nil).OK)

	res := f.gate.TryCast(f.source, "strike", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonOnCooldown, res.Reason)
	assert.Equal(t, 5*time.Second, f.gate.CooldownRemaining(f.source.ID(), "strike"))

	f.clock.Advance(5 * time.Second)
	assert.True(t, f.gate.TryCast(f.source, "strike", nil).OK)
}

func TestGate_SharedCooldownCategory(t *testing.T) {
	first := strikeDef()
	first.CooldownCategory = "melee"
	second := strikeDef()
	second.ID = "slash"
	second.CooldownCategory = "melee"

	f := newFixture(t, first, second)
	f.gate.Grant(f.source.ID(), "strike")
	f.gate.Grant(f.source.ID(), "slash")

	require.True(t, f.gate.TryCast(f.source, "strike", nil).OK)

	res := f.gate.TryCast(f.source, "slash", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonOnCooldown, res.Reason, "category cooldown spans abilities")
}

func TestGate_InsufficientResourceIsAllOrNothing(t *testing.T) {
	def := strikeDef()
	def.Effects = append(def.Effects, ability.Effect{
		Type:        ability.EffectCondition,
		ConditionID: "bleeding",
		Stacks:      1,
	})
	f := newFixture(t, def)
	f.gate.Grant(f.source.ID(), "strike")
	f.store.SetResource(f.source.ID(), stats.ResourceStamina, 3)

	res := f.gate.TryCast(f.source, "strike", []entity.Handle{f.target})
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonInsufficientResource, res.Reason)

	bob := f.target.Underlying().(*entity.Player)
	assert.Equal(t, 100, bob.CurrentHP, "no damage on rejected cast")
	assert.Equal(t, 3, f.store.Resource(f.source.ID(), stats.ResourceStamina), "no resource deducted")
	assert.Zero(t, f.gate.CooldownRemaining(f.source.ID(), "strike"), "no cooldown started")
	assert.Empty(t, f.conditions.applies, "no condition applied")
}

func TestGate_ConditionEffectRouted(t *testing.T) {
	def := &ability.Def{
		ID: "envenom",
		Effects: []ability.Effect{
			{
				Type:        ability.EffectCondition,
				ConditionID: "poison",
				Stacks:      2,
				Duration:    condition.Duration(8 * time.Second),
			},
		},
	}
	f := newFixture(t, def)
	f.gate.Grant(f.source.ID(), "envenom")

	require.True(t, f.gate.TryCast(f.source, "envenom", []entity.Handle{f.target}).OK)

	require.Len(t, f.conditions.applies, 1)
	applied := f.conditions.applies[0]
	assert.Equal(t, f.target.ID(), applied.entityID)
	assert.Equal(t, "poison", applied.conditionID)
	assert.Equal(t, 2, applied.stacks)
	assert.Equal(t, 8*time.Second, applied.duration)
	assert.Equal(t, f.source.ID(), applied.sourceID)
}

func TestGate_HealEffect(t *testing.T) {
	def := &ability.Def{
		ID: "mend",
		Effects: []ability.Effect{
			{Type: ability.EffectHeal, Amount: 15},
		},
	}
	f := newFixture(t, def)
	f.gate.Grant(f.source.ID(), "mend")

	bob := f.target.Underlying().(*entity.Player)
	bob.CurrentHP = 60

	require.True(t, f.gate.TryCast(f.source, "mend", []entity.Handle{f.target}).OK)
	assert.Equal(t, 75, bob.CurrentHP)
	assert.Equal(t, 1, f.conditions.eventCount(condition.EventHealed))
}

func TestGate_CasterLockBusyRejectsCast(t *testing.T) {
	f := newFixture(t, strikeDef())
	f.gate.Grant(f.source.ID(), "strike")
	require.True(t, f.locks.Acquire(f.source.ID(), "tick"))

	res := f.gate.TryCast(f.source, "strike", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonLockContention, res.Reason)
	assert.Equal(t, 100, f.store.Resource(f.source.ID(), stats.ResourceStamina))
}

func TestGate_BusyTargetSkippedCastStillSucceeds(t *testing.T) {
	f := newFixture(t, strikeDef())
	f.gate.Grant(f.source.ID(), "strike")
	require.True(t, f.locks.Acquire(f.target.ID(), "tick"))

	res := f.gate.TryCast(f.source, "strike", []entity.Handle{f.target})
	assert.True(t, res.OK)

	bob := f.target.Underlying().(*entity.Player)
	assert.Equal(t, 100, bob.CurrentHP, "busy target takes no damage")
	assert.Equal(t, 90, f.store.Resource(f.source.ID(), stats.ResourceStamina), "cost is still paid")
}

func TestGate_RevokeAndClearEntity(t *testing.T) {
	f := newFixture(t, strikeDef())
	f.gate.Grant(f.source.ID(), "strike")
	require.True(t, f.gate.IsGranted(f.source.ID(), "strike"))

	f.gate.Revoke(f.source.ID(), "strike")
	assert.False(t, f.gate.IsGranted(f.source.ID(), "strike"))

	f.gate.Grant(f.source.ID(), "strike")
	require.True(t, f.gate.TryCast(f.source, "strike", nil).OK)
	f.gate.ClearEntity(f.source.ID())
	assert.False(t, f.gate.IsGranted(f.source.ID(), "strike"))
	assert.Zero(t, f.gate.CooldownRemaining(f.source.ID(), "strike"))
}

func chainDefs() []*ability.Def {
	timeout := condition.Duration(2500 * time.Millisecond)
	return []*ability.Def{
		{
			ID:    "opener",
			Chain: &ability.Chain{Chained: true, Position: 1, Next: "followup", Timeout: timeout},
		},
		{
			ID:    "followup",
			Chain: &ability.Chain{Chained: true, Position: 2, Next: "finisher", Timeout: timeout},
		},
		{
			ID:    "finisher",
			Chain: &ability.Chain{Chained: true, Position: 3},
		},
	}
}

func newChainFixture(t *testing.T) *fixture {
	f := newFixture(t, chainDefs()...)
	for _, id := range []string{"opener", "followup", "finisher"} {
		f.gate.Grant(f.source.ID(), id)
	}
	return f
}

func TestGate_ChainAdvancesWithinWindow(t *testing.T) {
	f := newChainFixture(t)

	require.True(t, f.gate.TryCast(f.source, "opener", nil).OK)
	f.clock.Advance(2400 * time.Millisecond)
	require.True(t, f.gate.TryCast(f.source, "followup", nil).OK)
	f.clock.Advance(2400 * time.Millisecond)
	require.True(t, f.gate.TryCast(f.source, "finisher", nil).OK)
}

func TestGate_ChainWindowMissedResetsChain(t *testing.T) {
	f := newChainFixture(t)

	require.True(t, f.gate.TryCast(f.source, "opener", nil).OK)
	f.clock.Advance(2600 * time.Millisecond)

	res := f.gate.TryCast(f.source, "followup", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonChainWindow, res.Reason)

	// The chain is gone; the mid-chain link stays uncastable until a
	// fresh opener lands.
	res = f.gate.TryCast(f.source, "followup", nil)
	assert.False(t, res.OK)
	require.True(t, f.gate.TryCast(f.source, "opener", nil).OK)
	require.True(t, f.gate.TryCast(f.source, "followup", nil).OK)
}

func TestGate_MidChainLinkWithoutChainRejected(t *testing.T) {
	f := newChainFixture(t)
	res := f.gate.TryCast(f.source, "followup", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonChainWindow, res.Reason)
}

func TestGate_UnrelatedCastInterruptsChainWhenConfigured(t *testing.T) {
	clock := newManualClock()
	logger := zaptest.NewLogger(t)
	locks := lock.NewService(lock.DefaultTimeout, logger, lock.WithClock(clock.Now))
	reg := ability.NewRegistry()
	for _, d := range chainDefs() {
		reg.Register(d)
	}
	jab := &ability.Def{ID: "jab"}
	reg.Register(jab)
	tracker := ability.NewTracker(logger)
	gate := ability.NewGate(reg, tracker, &recordingConditions{}, locks, stats.NewMemoryStore(),
		dice.NewLoggedRoller(fixedSource{v: 0}, logger), logger,
		ability.WithGateClock(clock.Now), ability.WithChainInterrupt(true))

	entities := entity.NewRegistry(nil)
	source, _ := entities.Resolve(entity.NewPlayer(1, "alice", 100, 5))
	for _, id := range []string{"opener", "followup", "jab"} {
		gate.Grant(source.ID(), id)
	}

	require.True(t, gate.TryCast(source, "opener", nil).OK)
	require.True(t, gate.TryCast(source, "jab", nil).OK)

	res := gate.TryCast(source, "followup", nil)
	assert.False(t, res.OK)
	assert.Equal(t, ability.ReasonChainWindow, res.Reason)
}
