// Package sandbox is the embedded script sandbox (§4.8): operator-authored
// Lua scripts back query and procedure endpoints that the built-in
// handlers can't express. Each invocation gets a fresh interpreter with
// dangerous globals removed and a host API for reading the mirror and,
// for procedures, writing through to the PDS.
//
// Built on github.com/yuin/gopher-lua, the Go ecosystem's embeddable Lua
// VM, with dangerous globals stripped before any script runs.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"time"

	lua "github.com/yuin/gopher-lua"

	"lexhost/internal/tid"
)

// scriptTimeout bounds a single script invocation's wall-clock time.
// gopher-lua has no public per-instruction hook the way mlua does
// (every_nth_instruction); it instead checks an attached context for
// cancellation during VM dispatch, so a deadline here is this host's
// closest equivalent to §4.8's instruction-count cap, enforced through
// "the host's normal cancellation path" the same section already calls
// for on the wall-clock side.
const scriptTimeout = 2 * time.Second

// dangerousGlobals mirrors the reference sandbox's removal list. newVM opens
// gopher-lua's standard libraries (SkipOpenLibs is false), which include
// os, io, debug and package, so every name here is set to nil before any
// script runs.
var dangerousGlobals = []string{
	"os", "io", "debug", "package", "require",
	"dofile", "loadfile", "load", "collectgarbage",
}

// newVM builds a fresh interpreter with dangerous globals stripped, the
// utility host API installed, and ctx attached for cancellation.
func newVM(ctx context.Context, logger *log.Logger) (*lua.LState, context.CancelFunc) {
	if logger == nil {
		logger = log.Default()
	}
	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetContext(runCtx)

	for _, name := range dangerousGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("now", L.NewFunction(luaNow))
	L.SetGlobal("log", L.NewFunction(luaLog(logger)))
	L.SetGlobal("TID", L.NewFunction(luaTID))
	L.SetGlobal("toarray", L.NewFunction(luaToArray))

	return L, cancel
}

func luaNow(L *lua.LState) int {
	L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
	return 1
}

func luaLog(logger *log.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		logger.Printf("lua: %s", msg)
		return 0
	}
}

func luaTID(L *lua.LState) int {
	L.Push(lua.LString(tid.Next()))
	return 1
}

func luaToArray(L *lua.LState) int {
	t := L.CheckTable(1)
	out := L.NewTable()
	n := t.Len()
	for i := 1; i <= n; i++ {
		out.RawSetInt(i, t.RawGetInt(i))
	}
	out.RawSetString(arrayMarker, lua.LTrue)
	L.Push(out)
	return 1
}

// Validate compiles source in a fresh interpreter and asserts it defines a
// global handle function, matching the admin-upsert-time contract (§4.8).
func Validate(source string) error {
	L, cancel := newVM(context.Background(), nil)
	defer cancel()
	defer L.Close()

	if err := L.DoString(source); err != nil {
		return fmt.Errorf("script compilation failed: %w", err)
	}

	fn := L.GetGlobal("handle")
	if _, ok := fn.(*lua.LFunction); !ok {
		return fmt.Errorf("script must define a handle() function")
	}
	return nil
}

// runHandle loads source into L, then calls the global handle() function
// with no arguments and returns its single return value. Both query and
// procedure execution share this tail once their globals and host API are
// installed (§4.8).
func runHandle(L *lua.LState, method, source string) (lua.LValue, error) {
	if err := L.DoString(source); err != nil {
		return nil, fmt.Errorf("script %s: load failed: %w", method, err)
	}

	fn, ok := L.GetGlobal("handle").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script %s: missing handle() function", method)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		if L.Context().Err() != nil {
			return nil, fmt.Errorf("script %s: exceeded execution limit", method)
		}
		return nil, fmt.Errorf("script %s: execution failed: %w", method, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}
