package lifecycle

import (
	"encoding/json"
	"errors"

	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/luavm"
	"scripthost/internal/store"
)

func (a *api) registerStoreModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(a.storeGet))
	t.RawSetString("set", L.NewFunction(a.storeSet))
	t.RawSetString("delete", L.NewFunction(a.storeDelete))
	t.RawSetString("keys", L.NewFunction(a.storeKeys))
	mod.RawSetString("store", t)
}

func (a *api) checkStore(L *lua.LState) bool {
	if a.m.store == nil {
		a.unavailable(L, FacilityStore)
		return false
	}
	return true
}

// host.store.get(key) returns the stored value or nil.
func (a *api) storeGet(L *lua.LState) int {
	if !a.checkStore(L) {
		return 0
	}
	raw, err := a.m.store.GetData(a.s.Name(), L.CheckString(1))
	if errors.Is(err, store.ErrNotFound) {
		L.Push(lua.LNil)
		return 1
	}
	if err != nil {
		return rejected(L, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return rejected(L, err)
	}
	L.Push(luavm.ToLua(L, v))
	return 1
}

// host.store.set(key, value) stores any value made of tables, strings,
// numbers and booleans. A nil value deletes the key.
func (a *api) storeSet(L *lua.LState) int {
	if !a.checkStore(L) {
		return 0
	}
	key := L.CheckString(1)
	value := L.Get(2)
	if value == lua.LNil {
		return a.storeDelete(L)
	}
	if _, ok := value.(*lua.LFunction); ok {
		L.ArgError(2, "functions cannot be stored")
		return 0
	}
	raw, err := json.Marshal(plain(luavm.ToGo(value)))
	if err != nil {
		return rejected(L, err)
	}
	if err := a.m.store.SetData(a.s.Name(), key, raw); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// host.store.delete(key)
func (a *api) storeDelete(L *lua.LState) int {
	if !a.checkStore(L) {
		return 0
	}
	err := a.m.store.DeleteData(a.s.Name(), L.CheckString(1))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// host.store.keys() returns the stored keys in order.
func (a *api) storeKeys(L *lua.LState) int {
	if !a.checkStore(L) {
		return 0
	}
	keys, err := a.m.store.DataKeys(a.s.Name())
	if err != nil {
		return rejected(L, err)
	}
	L.Push(luavm.ToLua(L, keys))
	return 1
}
