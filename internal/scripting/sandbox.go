// Package scripting provides a sandboxed GopherLua execution environment for
// condition lifecycle hooks. It has no dependency on game domain packages;
// all game interactions are injected via Manager callback fields.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit caps Lua opcodes per hook invocation when the
// configuration does not set one. Hooks are tiny; a well-behaved hook uses a
// few hundred opcodes.
const DefaultInstructionLimit = 100_000

// unsafeGlobals are the base-library entry points a hook must never reach:
// anything that loads code or touches the collector.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "collectgarbage", "require"}

// opBudget is a context.Context whose Done() self-cancels once polled more
// than the budget allows. GopherLua polls Done() on every opcode, which turns
// the budget into a deterministic instruction limit: a runaway hook dies at
// the same opcode on every run.
type opBudget struct {
	context.Context
	cancel context.CancelFunc
	left   atomic.Int64
}

func newOpBudget(limit int) *opBudget {
	ctx, cancel := context.WithCancel(context.Background())
	b := &opBudget{Context: ctx, cancel: cancel}
	b.left.Store(int64(limit))
	return b
}

// Done decrements the budget and fires the cancellation once it is spent.
func (b *opBudget) Done() <-chan struct{} {
	if b.left.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

// NewSandboxedState builds the hook VM: only the base, table, string, and
// math libraries are opened, the code-loading globals are stripped, and
// execution is bounded by an opcode budget.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
// Postcondition: Returns a non-nil LState the caller must Close.
func NewSandboxedState(instLimit int) *lua.LState {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []func(*lua.LState) int{
		lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath,
	} {
		open(L)
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(newOpBudget(instLimit))

	return L
}
