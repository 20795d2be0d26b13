// Package script wraps the embedded Lua-compatible runtime lpp assumes.
// It exposes just enough of github.com/Shopify/go-lua's
// C-API-shaped State to let internal/metaprogram build a metaenv table,
// load a generated chunk against it, and run it to completion or to a
// caught runtime error — without internal/metaprogram depending on
// go-lua's types directly.
package script

import (
	"fmt"
	"io"

	lua "github.com/Shopify/go-lua"

	"github.com/sellesoft/lpp/internal/errdefs"
)

// Function is a Go function callable from script, matching go-lua's
// lua.Function (itself mirroring the C API's lua_CFunction): it receives
// the VM with its arguments already on the stack and returns how many
// result values it pushed.
type Function func(vm *VM) int

// VM is a single embedded script runtime. guarantees only one is
// ever live per Lpp instance, and only one Metaprogram holds the
// "current" context on it at a time.
type VM struct {
	l *lua.State

	cancelRef int
	lastTrace []Frame
}

// New creates a VM with the standard library loaded (string, table, math,
// os, io — the base modules Lpp's init loads).
func New() *VM {
	l := lua.NewState()
	lua.OpenLibraries(l)
	return &VM{l: l, cancelRef: -1}
}

// State exposes the underlying go-lua State for the rare case a caller
// needs a primitive this wrapper doesn't surface (table iteration for
// macro-arg decoding, primarily).
func (vm *VM) State() *lua.State { return vm.l }

// --- stack-level primitives, named after their C-API counterparts ---

func (vm *VM) PushNil()             { vm.l.PushNil() }
func (vm *VM) PushBool(b bool)      { vm.l.PushBoolean(b) }
func (vm *VM) PushString(s string)  { vm.l.PushString(s) }
func (vm *VM) PushInt(n int)        { vm.l.PushInteger(n) }
func (vm *VM) PushFloat(f float64)  { vm.l.PushNumber(f) }
func (vm *VM) Pop(n int)            { vm.l.Pop(n) }
func (vm *VM) Top() int             { return vm.l.Top() }
func (vm *VM) SetTop(n int)         { vm.l.SetTop(n) }
func (vm *VM) Remove(idx int)       { vm.l.Remove(idx) }
func (vm *VM) PushValueAt(idx int)  { vm.l.PushValue(idx) }

func (vm *VM) NewTable() { vm.l.NewTable() }

// SetField pops the value on top of the stack and assigns it to key
// within the table at tableIdx (lua_setfield).
func (vm *VM) SetField(tableIdx int, key string) { vm.l.SetField(tableIdx, key) }

// GetField pushes table[key] for the table at tableIdx (lua_getfield).
func (vm *VM) GetField(tableIdx int, key string) { vm.l.Field(tableIdx, key) }

// SetIndex pops the value on top of the stack and assigns it to table[n]
// for the table at tableIdx (lua_seti), used to build the argv table
// exposed to scripts.
func (vm *VM) SetIndex(tableIdx, n int) { vm.l.RawSetInt(tableIdx, n) }

func (vm *VM) SetGlobal(name string) { vm.l.SetGlobal(name) }
func (vm *VM) Global(name string)    { vm.l.Global(name) }

// SetMetatable pops the table on top of the stack and installs it as the
// metatable of the value at idx (lua_setmetatable).
func (vm *VM) SetMetatable(idx int) { vm.l.SetMetaTable(idx) }

// Ref pops the value on top of the stack and stores it in the registry,
// returning a handle PushRef can later push back (luaL_ref). Used to
// keep a macro's callee and argument values alive between the Phase-2
// script-emit call that observes them and the Phase-3 splice that
// actually invokes the macro.
func (vm *VM) Ref() int {
	return lua.Reference(vm.l, lua.RegistryIndex)
}

// PushRef pushes the value referenced by ref (lua_rawgeti on the
// registry).
func (vm *VM) PushRef(ref int) {
	vm.l.RawGetInt(lua.RegistryIndex, ref)
}

// Unref releases ref, allowing the registry slot to be reused.
func (vm *VM) Unref(ref int) {
	lua.Unreference(vm.l, lua.RegistryIndex, ref)
}

// PushFunction pushes a Go function as a callable script value
// (lua_pushcclosure with zero upvalues, wrapped so panics inside f
// surface as Lua errors rather than crashing the host process).
func (vm *VM) PushFunction(f Function) {
	vm.l.PushGoFunction(func(l *lua.State) int {
		return f(vm)
	})
}

// ToString coerces the value at idx to a string without altering the
// stack value's type, matching lua_tostring's coercion rules for numbers.
func (vm *VM) ToString(idx int) (string, bool) { return lua.ToString(vm.l, idx) }

func (vm *VM) ToInt(idx int) (int, bool) {
	n, ok := vm.l.ToInteger(idx)
	return n, ok
}

func (vm *VM) ToBool(idx int) bool { return vm.l.ToBoolean(idx) }

func (vm *VM) IsNil(idx int) bool      { return vm.l.IsNil(idx) }
func (vm *VM) IsFunction(idx int) bool { return vm.l.IsFunction(idx) }
func (vm *VM) IsTable(idx int) bool    { return vm.l.IsTable(idx) }

// RawEqual reports whether the values at a and b are primitively equal,
// used to test a caught error value against the lpp.cancel sentinel
// without invoking __eq metamethods ("Cancellation").
func (vm *VM) RawEqual(a, b int) bool { return vm.l.RawEqual(a, b) }

// Load compiles src as a chunk named name, leaving the resulting function
// on top of the stack (luaL_loadbuffer). The generated script (Phase 1's
// meta buffer) is always loaded this way, never as a file, since it never
// touches disk.
func (vm *VM) Load(name string, src io.Reader) error {
	return vm.l.Load(src, name, "t")
}

// SetChunkEnv replaces a loaded chunk's _ENV upvalue with the table at
// envIdx, making it the chunk's global environment (Lua 5.2+ represents a
// chunk's globals as its first upvalue, conventionally named _ENV, rather
// than a per-thread fenv as in 5.1).
func (vm *VM) SetChunkEnv(chunkIdx, envIdx int) {
	vm.l.PushValue(envIdx)
	vm.l.SetUpValue(chunkIdx, 1)
}

// SetCancelValue pops the value on top of the stack and registers it as
// the sentinel Call recognizes as a cancellation rather than a failure.
// Called once, during Lpp initialization, with the same table value
// exposed to scripts as lpp.cancel.
func (vm *VM) SetCancelValue() {
	vm.cancelRef = vm.Ref()
}

// Call invokes the function at the top of the stack below nArgs
// arguments, in protected mode, with a message handler installed below
// the call so a runtime error captures its stack trace while the
// erroring frames are still live (go-lua's errorMessage calls the
// handler before the call stack unwinds; called after ProtectedCall
// returns, as the old errFunc=0 call here used to do, StackTrace always
// sees the already-unwound frame and returns nothing). LastTrace
// exposes whatever the handler captured for the most recent Call.
//
// If the raised error value is (by raw identity) the registered cancel
// sentinel, Call returns errdefs.ErrCancel instead of stringifying it,
// so callers can distinguish a deliberate lpp.cancel from an actual
// script failure.
func (vm *VM) Call(nArgs, nResults int) error {
	funcIdx := vm.Top() - nArgs
	vm.PushFunction(func(inner *VM) int {
		inner.lastTrace = inner.StackTrace(32)
		inner.PushValueAt(1) // pass the error message through unchanged
		return 1
	})
	vm.l.Insert(funcIdx)
	errFunc := funcIdx

	vm.lastTrace = nil
	callErr := vm.l.ProtectedCall(nArgs, nResults, errFunc)
	vm.Remove(errFunc)

	if callErr != nil {
		if vm.cancelRef >= 0 {
			vm.PushRef(vm.cancelRef)
			cancelIdx := vm.Top()
			errIdx := cancelIdx - 1
			if vm.RawEqual(errIdx, cancelIdx) {
				vm.Pop(2) // the pushed sentinel and the error value
				return errdefs.ErrCancel{}
			}
			vm.Pop(1) // the pushed sentinel
		}
		return fmt.Errorf("%s", vm.errorValue())
	}
	return nil
}

// LastTrace returns the stack trace captured by the message handler
// during the most recent Call that raised a runtime error, or nil if
// the last Call succeeded (or none has run yet).
func (vm *VM) LastTrace() []Frame { return vm.lastTrace }

// RaiseCancel aborts the script call currently executing by re-raising
// the registered cancel sentinel (lua_error on the value lpp.cancel was
// registered with), so the enclosing Call observes a clean cancellation
// rather than a stringified error even when the cancellation was
// discovered inside an already-evaluated immediate macro.
func (vm *VM) RaiseCancel() {
	vm.PushRef(vm.cancelRef)
	vm.l.Error()
}

// RaiseError aborts the script call currently executing with a formatted
// string error (luaL_error), used to propagate an immediate macro's
// non-cancel failure out of the builtin that evaluated it and into the
// chunk that's still running.
func (vm *VM) RaiseError(format string, a ...interface{}) {
	vm.PushString(fmt.Sprintf(format, a...))
	vm.l.Error()
}

func (vm *VM) errorValue() string {
	if s, ok := vm.ToString(-1); ok {
		vm.Pop(1)
		return s
	}
	vm.Pop(1)
	return "non-string error value"
}

// Frame is one level of a captured call stack, the raw material for the
// "(source, line, function-name, owning-Metaprogram)" snapshot a
// ScriptRuntimeError's handler needs to build. owning-Metaprogram
// isn't knowable from the VM alone; internal/metaprogram annotates each
// Frame's Source against the meta-chunk name it recognizes.
type Frame struct {
	Source     string
	CurrentLine int
	Name       string
}

// StackTrace walks up to maxLevels of the currently executing call stack
// (lua_getstack / lua_getinfo), innermost first. Meaningful only when
// called from inside an installed message handler, where the erroring
// call is still live; Call installs one and records the result in
// LastTrace.
func (vm *VM) StackTrace(maxLevels int) []Frame {
	var frames []Frame
	for level := 0; level < maxLevels; level++ {
		dbg, ok := vm.l.Stack(level)
		if !ok {
			break
		}
		vm.l.Info("Sln", &dbg)
		name := dbg.Name
		if name == "" {
			name = "?"
		}
		frames = append(frames, Frame{
			Source:      dbg.Source,
			CurrentLine: dbg.CurrentLine,
			Name:        name,
		})
	}
	return frames
}
