package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// modules that require() may return
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// installSandbox removes code-loading globals and replaces require with a
// whitelist over the already-opened libraries.
func installSandbox(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
		L.SetField(pkg, "loadlib", lua.LNil)
	}

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !safeModules[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(L.GetGlobal(name))
		return 1
	}))
}
