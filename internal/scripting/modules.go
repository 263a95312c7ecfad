package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules defines the engine.* Lua table in L. Every function is
// backed by an injected Manager callback; a nil callback makes the function
// a no-op returning zero values so hook scripts never hard-fail on wiring.
//
// Exposed functions:
//
//	engine.deal_damage(entity_id, amount, damage_type) -> applied
//	engine.heal(entity_id, amount) -> restored
//	engine.apply_condition(entity_id, condition_id, stacks, duration_seconds) -> ok
//	engine.remove_condition(entity_id, condition_id) -> ok
//	engine.stat(entity_id, stat_name) -> coefficient
//	engine.log(message)
func (m *Manager) registerModules(L *lua.LState) {
	engine := L.NewTable()

	L.SetField(engine, "deal_damage", L.NewFunction(func(ls *lua.LState) int {
		entityID := ls.CheckString(1)
		amount := ls.CheckInt(2)
		damageType := ls.OptString(3, "pure")
		applied := 0
		if m.DealDamage != nil {
			applied = m.DealDamage(entityID, amount, damageType)
		}
		ls.Push(lua.LNumber(applied))
		return 1
	}))

	L.SetField(engine, "heal", L.NewFunction(func(ls *lua.LState) int {
		entityID := ls.CheckString(1)
		amount := ls.CheckInt(2)
		restored := 0
		if m.Heal != nil {
			restored = m.Heal(entityID, amount)
		}
		ls.Push(lua.LNumber(restored))
		return 1
	}))

	L.SetField(engine, "apply_condition", L.NewFunction(func(ls *lua.LState) int {
		entityID := ls.CheckString(1)
		conditionID := ls.CheckString(2)
		stacks := ls.OptInt(3, 1)
		duration := float64(ls.OptNumber(4, 0))
		ok := false
		if m.ApplyCondition != nil {
			ok = m.ApplyCondition(entityID, conditionID, stacks, duration)
		}
		ls.Push(lua.LBool(ok))
		return 1
	}))

	L.SetField(engine, "remove_condition", L.NewFunction(func(ls *lua.LState) int {
		entityID := ls.CheckString(1)
		conditionID := ls.CheckString(2)
		ok := false
		if m.RemoveCondition != nil {
			ok = m.RemoveCondition(entityID, conditionID)
		}
		ls.Push(lua.LBool(ok))
		return 1
	}))

	L.SetField(engine, "stat", L.NewFunction(func(ls *lua.LState) int {
		entityID := ls.CheckString(1)
		stat := ls.CheckString(2)
		coefficient := 1.0
		if m.Stat != nil {
			coefficient = m.Stat(entityID, stat)
		}
		ls.Push(lua.LNumber(coefficient))
		return 1
	}))

	L.SetField(engine, "log", L.NewFunction(func(ls *lua.LState) int {
		m.logger.Info("script log", zap.String("message", ls.CheckString(1)))
		return 0
	}))

	L.SetGlobal("engine", engine)
}
