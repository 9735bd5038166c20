package lifecycle

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"scripthost/internal/luavm"
)

func (a *api) registerConfigModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	t.RawSetString("load", L.NewFunction(a.configLoad))
	t.RawSetString("reload", L.NewFunction(a.configReload))
	t.RawSetString("save", L.NewFunction(a.configSave))
	t.RawSetString("delete", L.NewFunction(a.configDelete))
	t.RawSetString("exists", L.NewFunction(a.configExists))
	mod.RawSetString("config", t)
}

func (a *api) checkConfigs(L *lua.LState) bool {
	if a.m.configs == nil {
		a.unavailable(L, FacilityConfig)
		return false
	}
	return true
}

// configDefaults reads optional defaults at n: a table or a YAML document.
func configDefaults(L *lua.LState, n int) (map[string]any, error) {
	switch v := L.Get(n).(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		var out map[string]any
		if err := yaml.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("parse defaults: %w", err)
		}
		return out, nil
	case *lua.LTable:
		if m, ok := plain(luavm.ToGo(v)).(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("defaults must be a table with string keys")
	default:
		L.ArgError(n, "defaults must be a table or a YAML string")
		return nil, nil
	}
}

// host.config.load(path [, defaults]) returns the file's values merged over
// defaults, creating the file from defaults when it does not exist.
func (a *api) configLoad(L *lua.LState) int {
	return a.readConfig(L, false)
}

// host.config.reload(path [, defaults]) re-reads an existing file.
func (a *api) configReload(L *lua.LState) int {
	return a.readConfig(L, true)
}

func (a *api) readConfig(L *lua.LState, existing bool) int {
	if !a.checkConfigs(L) {
		return 0
	}
	path := L.CheckString(1)
	defaults, err := configDefaults(L, 2)
	if err != nil {
		return rejected(L, err)
	}
	load := a.m.configs.Load
	if existing {
		load = a.m.configs.Reload
	}
	values, err := load(a.s.Name(), path, defaults)
	if err != nil {
		return rejected(L, err)
	}
	L.Push(luavm.ToLua(L, values))
	return 1
}

// host.config.save(path, values)
func (a *api) configSave(L *lua.LState) int {
	if !a.checkConfigs(L) {
		return 0
	}
	path := L.CheckString(1)
	values, ok := plain(luavm.ToGo(L.CheckTable(2))).(map[string]any)
	if !ok {
		L.ArgError(2, "values must be a table with string keys")
		return 0
	}
	if err := a.m.configs.Save(a.s.Name(), path, values); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// host.config.delete(path) reports whether a file was removed.
func (a *api) configDelete(L *lua.LState) int {
	if !a.checkConfigs(L) {
		return 0
	}
	deleted, err := a.m.configs.Delete(a.s.Name(), L.CheckString(1))
	if err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LBool(deleted))
	return 1
}

// host.config.exists(path)
func (a *api) configExists(L *lua.LState) int {
	if !a.checkConfigs(L) {
		return 0
	}
	ok, err := a.m.configs.Exists(a.s.Name(), L.CheckString(1))
	if err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LBool(ok))
	return 1
}
