package condition_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/entity"
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

// recordingHooks captures every hook invocation in order.
type recordingHooks struct {
	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	name string
	env  map[string]any
}

func (r *recordingHooks) CallHook(hook string, env map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{name: hook, env: env})
	return true
}

func (r *recordingHooks) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.name
	}
	return out
}

func (r *recordingHooks) count(name string) int {
	n := 0
	for _, c := range r.names() {
		if c == name {
			n++
		}
	}
	return n
}

func testHandle(t *testing.T, name string) entity.Handle {
	t.Helper()
	reg := entity.NewRegistry(nil)
	h, ok := reg.Resolve(entity.NewPlayer(int64(len(name)), name, 100, 5))
	require.True(t, ok)
	return h
}

func poisonDef() *condition.Def {
	return &condition.Def{
		ID:              "poison",
		Name:            "Poison",
		MaxStacks:       5,
		DefaultDuration: condition.Duration(10 * time.Second),
		StackBehavior:   condition.StackAdd,
		TickRate:        condition.Duration(2 * time.Second),
		Hooks: condition.Hooks{
			OnApply:  "poison_on_apply",
			OnTick:   "poison_on_tick",
			OnExpire: "poison_on_expire",
			OnRemove: "poison_on_remove",
		},
	}
}

func newTestEngine(t *testing.T, hooks condition.HookRunner, clock *manualClock, defs ...*condition.Def) *condition.Engine {
	t.Helper()
	reg := condition.NewRegistry()
	for _, d := range defs {
		require.NoError(t, d.Validate())
		reg.Register(d)
	}
	opts := []condition.Option{condition.WithClock(clock.Now)}
	if hooks != nil {
		opts = append(opts, condition.WithHooks(hooks))
	}
	return condition.NewEngine(reg, stats.NewMemoryStore(), zaptest.NewLogger(t), opts...)
}

func TestEngine_ApplyUnknownConditionRejected(t *testing.T) {
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock)
	h := testHandle(t, "alice")

	assert.False(t, eng.Apply(h, "no-such-condition", 1, 0, "", nil))
	assert.Empty(t, eng.ActiveConditions(h.ID()))
}

func TestEngine_ApplyCreatesActiveWithDefaultDuration(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 1, 0, "npc-rat-1", map[string]any{"tick_damage": 3}))

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, "poison", snaps[0].ConditionID)
	assert.Equal(t, 1, snaps[0].Stacks)
	assert.Equal(t, "npc-rat-1", snaps[0].SourceID)
	assert.Equal(t, 10*time.Second, snaps[0].Remaining)
	assert.Equal(t, []string{"poison_on_apply"}, hooks.names())
}

func TestEngine_AddBehaviorStacksAndCaps(t *testing.T) {
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, poisonDef())
	h := testHandle(t, "alice")

	for i := 0; i < 8; i++ {
		require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))
	}

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, 5, snaps[0].Stacks, "stacks must cap at max_stacks")
}

func TestEngine_AddBehaviorRefreshesDuration(t *testing.T) {
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))
	clock.Advance(7 * time.Second)
	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, 10*time.Second, snaps[0].Remaining)
}

func TestEngine_RefreshBehaviorKeepsStacks(t *testing.T) {
	def := poisonDef()
	def.StackBehavior = condition.StackRefresh
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, def)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 3, 0, "", nil))
	clock.Advance(5 * time.Second)
	require.True(t, eng.Apply(h, "poison", 3, 0, "", nil))

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].Stacks)
	assert.Equal(t, 10*time.Second, snaps[0].Remaining)
}

func TestEngine_RefreshAddsStackWhenConfigured(t *testing.T) {
	def := poisonDef()
	def.StackBehavior = condition.StackRefresh
	def.RefreshAddsStack = true
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, def)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))
	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].Stacks)
}

func TestEngine_IndependentBehaviorTracksInstances(t *testing.T) {
	def := poisonDef()
	def.StackBehavior = condition.StackIndependent
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, def)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 1, 0, "npc-a", nil))
	clock.Advance(time.Second)
	require.True(t, eng.Apply(h, "poison", 1, 0, "npc-b", nil))

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 2)
	assert.NotEqual(t, snaps[0].InstanceID, snaps[1].InstanceID)
}

func TestEngine_PreventsBlocksApplication(t *testing.T) {
	ward := &condition.Def{
		ID:              "poison-ward",
		DefaultDuration: condition.Duration(time.Minute),
		Prevents:        []string{"poison"},
	}
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, poisonDef(), ward)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison-ward", 1, 0, "", nil))
	assert.False(t, eng.Apply(h, "poison", 1, 0, "", nil))
	assert.False(t, eng.HasCondition(h.ID(), "poison"))
}

func TestEngine_RemovesStripsListedConditions(t *testing.T) {
	cleanse := &condition.Def{
		ID:              "cleanse",
		DefaultDuration: condition.Duration(time.Second),
		Removes:         []string{"poison"},
	}
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef(), cleanse)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 3, 0, "", nil))
	require.True(t, eng.Apply(h, "cleanse", 1, 0, "", nil))

	assert.False(t, eng.HasCondition(h.ID(), "poison"))
	assert.True(t, eng.HasCondition(h.ID(), "cleanse"))
	assert.Equal(t, 1, hooks.count("poison_on_remove"))
}

func TestEngine_RemoveAbsentConditionIsNoOp(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	eng.Remove(h.ID(), "poison")
	assert.Empty(t, hooks.names())
}

func TestEngine_TickFiresAtMostOncePerInterval(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))

	// Two driver passes inside one 2s tick interval fire at most once.
	clock.Advance(2 * time.Second)
	eng.TickEntity(h, clock.Now())
	eng.TickEntity(h, clock.Now())
	assert.Equal(t, 1, hooks.count("poison_on_tick"))

	clock.Advance(2 * time.Second)
	eng.TickEntity(h, clock.Now())
	assert.Equal(t, 2, hooks.count("poison_on_tick"))
}

func TestEngine_TickBeforeIntervalDoesNotFire(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))
	clock.Advance(1900 * time.Millisecond)
	eng.TickEntity(h, clock.Now())
	assert.Zero(t, hooks.count("poison_on_tick"))
}

func TestEngine_ActionSpeedShortensTickInterval(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	reg := condition.NewRegistry()
	reg.Register(poisonDef())
	store := stats.NewMemoryStore()
	eng := condition.NewEngine(reg, store, zaptest.NewLogger(t),
		condition.WithClock(clock.Now), condition.WithHooks(hooks))
	h := testHandle(t, "alice")
	store.SetScaling(h.ID(), stats.StatActionSpeed, 2.0)

	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))
	// Base 2s interval halves to 1s at double action speed.
	clock.Advance(time.Second)
	eng.TickEntity(h, clock.Now())
	assert.Equal(t, 1, hooks.count("poison_on_tick"))
}

func TestEngine_ActionSpeedClampedToMinTickRate(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	reg := condition.NewRegistry()
	reg.Register(poisonDef())
	store := stats.NewMemoryStore()
	eng := condition.NewEngine(reg, store, zaptest.NewLogger(t),
		condition.WithClock(clock.Now), condition.WithHooks(hooks),
		condition.WithMinTickRate(500*time.Millisecond))
	h := testHandle(t, "alice")
	store.SetScaling(h.ID(), stats.StatActionSpeed, 100.0)

	require.True(t, eng.Apply(h, "poison", 1, 0, "", nil))
	clock.Advance(100 * time.Millisecond)
	eng.TickEntity(h, clock.Now())
	assert.Zero(t, hooks.count("poison_on_tick"), "floor must hold against extreme scaling")

	clock.Advance(400 * time.Millisecond)
	eng.TickEntity(h, clock.Now())
	assert.Equal(t, 1, hooks.count("poison_on_tick"))
}

func TestEngine_ExpiryShedsOneStackAndRestartsDuration(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 3, 0, "", nil))
	clock.Advance(10 * time.Second)
	eng.TickEntity(h, clock.Now())

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].Stacks)
	assert.Equal(t, 10*time.Second, snaps[0].Remaining)
	assert.Zero(t, hooks.count("poison_on_expire"), "partial expiry fires no expire hook")
}

func TestEngine_ThreeStacksExpireWithSingleExpireHook(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 3, 0, "", nil))
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		eng.TickEntity(h, clock.Now())
	}

	assert.Empty(t, eng.ActiveConditions(h.ID()))
	assert.Equal(t, 1, hooks.count("poison_on_expire"), "expire hook fires once, on full removal")
}

func TestEngine_RemoveStacksOnExpireDropsAllAtOnce(t *testing.T) {
	def := poisonDef()
	def.RemoveStacksOnExpire = 5
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, def)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 4, 0, "", nil))
	clock.Advance(10 * time.Second)
	eng.TickEntity(h, clock.Now())

	assert.Empty(t, eng.ActiveConditions(h.ID()))
	assert.Equal(t, 1, hooks.count("poison_on_expire"))
}

func TestEngine_TransformFiresAtThreshold(t *testing.T) {
	bleed := &condition.Def{
		ID:              "bleeding",
		MaxStacks:       5,
		DefaultDuration: condition.Duration(10 * time.Second),
		StackBehavior:   condition.StackAdd,
		Transform: &condition.Transform{
			WhenStacksAtLeast: 3,
			Target:            "hemorrhage",
			Data:              map[string]any{"tick_damage": 12},
		},
		Hooks: condition.Hooks{OnRemove: "bleed_on_remove"},
	}
	hemorrhage := &condition.Def{
		ID:              "hemorrhage",
		MaxStacks:       1,
		DefaultDuration: condition.Duration(6 * time.Second),
		Hooks:           condition.Hooks{OnApply: "hemo_on_apply"},
	}
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, bleed, hemorrhage)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "bleeding", 1, 0, "npc-a", nil))
	require.True(t, eng.Apply(h, "bleeding", 1, 0, "npc-a", nil))
	assert.True(t, eng.HasCondition(h.ID(), "bleeding"))

	require.True(t, eng.Apply(h, "bleeding", 1, 0, "npc-a", nil))
	assert.False(t, eng.HasCondition(h.ID(), "bleeding"))
	assert.True(t, eng.HasCondition(h.ID(), "hemorrhage"))
	assert.Equal(t, 1, hooks.count("bleed_on_remove"))
	assert.Equal(t, 1, hooks.count("hemo_on_apply"))

	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, 12, snaps[0].Data["tick_damage"])
}

func TestEngine_TransformPreservesStacks(t *testing.T) {
	bleed := &condition.Def{
		ID:              "bleeding",
		MaxStacks:       5,
		DefaultDuration: condition.Duration(10 * time.Second),
		StackBehavior:   condition.StackAdd,
		Transform: &condition.Transform{
			WhenStacksAtLeast: 3,
			Target:            "hemorrhage",
			PreserveStacks:    true,
		},
	}
	hemorrhage := &condition.Def{
		ID:              "hemorrhage",
		MaxStacks:       5,
		DefaultDuration: condition.Duration(6 * time.Second),
	}
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, bleed, hemorrhage)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "bleeding", 3, 0, "", nil))
	snaps := eng.ActiveConditions(h.ID())
	require.Len(t, snaps, 1)
	assert.Equal(t, "hemorrhage", snaps[0].ConditionID)
	assert.Equal(t, 3, snaps[0].Stacks)
}

func TestEngine_ClearEntityFiresRemoveHooksOnce(t *testing.T) {
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 3, 0, "", nil))

	eng.ClearEntity(h.ID())
	eng.ClearEntity(h.ID())

	assert.Empty(t, eng.ActiveConditions(h.ID()))
	assert.Equal(t, 1, hooks.count("poison_on_remove"), "teardown removes like an explicit remove")
	assert.Equal(t, 0, hooks.count("poison_on_expire"))
}

func TestEngine_NotifyEventFiresReactionHooks(t *testing.T) {
	thorns := &condition.Def{
		ID:              "thorns",
		DefaultDuration: condition.Duration(time.Minute),
		Hooks:           condition.Hooks{OnDamaged: "thorns_on_damaged"},
	}
	clock := newManualClock()
	hooks := &recordingHooks{}
	eng := newTestEngine(t, hooks, clock, thorns)
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "thorns", 1, 0, "", nil))
	eng.NotifyEvent(h.ID(), condition.EventDamaged, map[string]any{
		"amount":    7,
		"source_id": "npc-rat-1",
	})

	require.Equal(t, 1, hooks.count("thorns_on_damaged"))
	last := hooks.calls[len(hooks.calls)-1]
	assert.Equal(t, 7, last.env["amount"])
	assert.Equal(t, h.ID(), last.env["entity_id"])
}

func TestEngine_EntitiesWithConditions(t *testing.T) {
	clock := newManualClock()
	eng := newTestEngine(t, nil, clock, poisonDef())
	a := testHandle(t, "alice")
	b := testHandle(t, "bob")

	require.True(t, eng.Apply(a, "poison", 1, 0, "", nil))
	assert.Len(t, eng.EntitiesWithConditions(), 1)

	require.True(t, eng.Apply(b, "poison", 1, 0, "", nil))
	assert.Len(t, eng.EntitiesWithConditions(), 2)

	eng.Remove(a.ID(), "poison")
	handles := eng.EntitiesWithConditions()
	require.Len(t, handles, 1)
	assert.Equal(t, b.ID(), handles[0].ID())
}

// failingHooks simulates a script error on every invocation.
type failingHooks struct{ calls int }

func (f *failingHooks) CallHook(string, map[string]any) bool {
	f.calls++
	return false
}

func TestEngine_HookFailureDoesNotAbortTransition(t *testing.T) {
	clock := newManualClock()
	hooks := &failingHooks{}
	eng := newTestEngine(t, hooks, clock, poisonDef())
	h := testHandle(t, "alice")

	require.True(t, eng.Apply(h, "poison", 2, 0, "", nil))
	assert.True(t, eng.HasCondition(h.ID(), "poison"))
	assert.Equal(t, 1, hooks.calls)
}

func TestEngine_StacksNeverExceedMax(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		def := poisonDef()
		def.MaxStacks = rapid.IntRange(1, 10).Draw(rt, "max")
		clock := newManualClock()
		reg := condition.NewRegistry()
		reg.Register(def)
		eng := condition.NewEngine(reg, stats.NewMemoryStore(), zap.NewNop(),
			condition.WithClock(clock.Now))
		regE := entity.NewRegistry(nil)
		h, _ := regE.Resolve(entity.NewPlayer(1, "alice", 100, 5))

		applications := rapid.IntRange(1, 20).Draw(rt, "applications")
		for i := 0; i < applications; i++ {
			stacksReq := rapid.IntRange(-2, 12).Draw(rt, "stacks")
			eng.Apply(h, "poison", stacksReq, 0, "", nil)
			clock.Advance(time.Duration(rapid.IntRange(0, 3).Draw(rt, "advance")) * time.Second)
		}

		for _, s := range eng.ActiveConditions(h.ID()) {
			if s.Stacks < 1 || s.Stacks > def.MaxStacks {
				rt.Fatalf("stacks %d outside [1, %d]", s.Stacks, def.MaxStacks)
			}
		}
	})
}
