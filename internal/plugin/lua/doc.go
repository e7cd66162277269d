// Package lua provides the Lua engine used by plugins whose format is "lua".
//
// # State
//
// State wraps a gopher-lua LState with only the base, package, table,
// string and math libraries opened. Calls into Lua honor a context and an
// execution timeout:
//
//	state, err := lua.NewState(lua.WithExecutionTimeout(2 * time.Second))
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	fn, err := state.Load("plugin.lua", code)
//	if err != nil {
//	    return err
//	}
//	_, err = state.CallFunction(ctx, fn, pluginTable)
//
// # Sandbox
//
// The Sandbox removes dofile, loadfile, load and loadstring, clears
// package.path so nothing is loaded from disk, and replaces require with a
// whitelist of builtin libraries plus preloaded "parley" modules.
//
// # Bridge
//
// Bridge converts values in both directions. Export is the strict form used
// for values leaving the state: functions and cyclic tables fail with
// ErrNotClonable.
package lua
