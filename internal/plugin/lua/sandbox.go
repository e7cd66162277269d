package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ModulePrefix is the namespace of modules the host preloads.
const ModulePrefix = "parley"

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{L: L}
}

// Install removes functions that load code from outside the plugin and
// replaces require with a whitelist.
func (s *Sandbox) Install() {
	dangerousFuncs := []string{
		"dofile",
		"loadfile",
		"load",
		"loadstring",
		"collectgarbage",
	}
	for _, name := range dangerousFuncs {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// installSafeRequire clears package.path/cpath so nothing loads from disk
// and only allows builtin libraries and preloaded parley modules.
func (s *Sandbox) installSafeRequire() {
	pkg, ok := s.L.GetGlobal("package").(*lua.LTable)
	if ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
		s.L.SetField(pkg, "loadlib", lua.LNil)
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] || modName == ModulePrefix || strings.HasPrefix(modName, ModulePrefix+".") {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		// L.RaiseError does not return.
		L.RaiseError("module %q is not available", modName)
		return 0
	}))
}
