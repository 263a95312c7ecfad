package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Manager owns one sandboxed LState holding all loaded hook scripts and
// exposes hook dispatch by global function name.
//
// The LState is single-threaded; the mutex serialises concurrent CallHook
// calls. Hook scripts are short by contract (the instruction limit bounds
// them), so the serialisation cost is negligible.
type Manager struct {
	mu        sync.Mutex
	state     *lua.LState
	instLimit int
	logger    *zap.Logger

	// Injected after construction. nil fields make the corresponding
	// engine.* Lua function a no-op returning zero values.
	DealDamage      func(entityID string, amount int, damageType string) int
	Heal            func(entityID string, amount int) int
	ApplyCondition  func(entityID, conditionID string, stacks int, durationSeconds float64) bool
	RemoveCondition func(entityID, conditionID string) bool
	Stat            func(entityID, stat string) float64
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: logger must be non-nil. instLimit <= 0 uses the default.
func NewManager(instLimit int, logger *zap.Logger) *Manager {
	return &Manager{
		instLimit: instLimit,
		logger:    logger,
	}
}

// Load creates a fresh sandboxed VM, registers the engine.* modules, then
// executes every *.lua file in scriptDir in lexicographic order. A previous
// VM, if any, is closed and replaced.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: Hook globals defined by the scripts are callable; returns
// an error on Lua load failure.
func (m *Manager) Load(scriptDir string) error {
	L := NewSandboxedState(m.instLimit)
	m.registerModules(L)

	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		L.Close()
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		if err := L.DoFile(path); err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	if m.state != nil {
		m.state.Close()
	}
	m.state = L
	m.mu.Unlock()
	return nil
}

// LoadString executes a raw Lua chunk into a fresh VM. Used by tests and
// embedded content.
func (m *Manager) LoadString(chunk string) error {
	L := NewSandboxedState(m.instLimit)
	m.registerModules(L)

	if err := L.DoString(chunk); err != nil {
		L.Close()
		return fmt.Errorf("scripting: loading chunk: %w", err)
	}

	m.mu.Lock()
	if m.state != nil {
		m.state.Close()
	}
	m.state = L
	m.mu.Unlock()
	return nil
}

// Close releases the VM. Further CallHook calls behave as if no hook exists.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}

// CallHook calls the named Lua global function with env converted to a Lua
// table. Returns false if the hook is not defined or no VM is loaded. Lua
// runtime errors are logged at Warn level and reported as ran=false, never
// propagated; a misbehaving hook must not abort the caller's transition.
//
// Postcondition: Returns ran=true iff the hook function existed and
// completed without error.
func (m *Manager) CallHook(hook string, env map[string]any) (ran bool) {
	if hook == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	L := m.state
	if L == nil {
		return false
	}

	fn := L.GetGlobal(hook)
	if fn == lua.LNil {
		return false
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, toLuaTable(L, env)); err != nil {
		m.logger.Warn("scripting: Lua hook error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return false
	}
	return true
}

// HasHook reports whether the named global hook function is defined.
func (m *Manager) HasHook(hook string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || hook == "" {
		return false
	}
	return m.state.GetGlobal(hook) != lua.LNil
}

// toLuaTable converts a Go map into a Lua table. Supported value types:
// string, bool, int, int64, float64, and nested map[string]any. Unsupported
// values are rendered with %v as strings.
func toLuaTable(L *lua.LState, env map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range env {
		tbl.RawSetString(k, toLuaValue(L, v))
	}
	return tbl
}

func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		return toLuaTable(L, val)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
