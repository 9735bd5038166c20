package lifecycle

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/host"
)

func (a *api) registerPlaceholderModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	t.RawSetString("register", L.NewFunction(a.placeholderRegister))
	t.RawSetString("unregister", L.NewFunction(a.placeholderUnregister))
	mod.RawSetString("placeholder", t)
}

func (a *api) placeholderID() string { return "script:" + a.s.Name() }

// host.placeholder.register(fn [, {author, version}]) installs the
// expansion %script:<name>_<params>%. fn receives (subject, params) and
// returns the replacement, or nil to leave the token untouched.
func (a *api) placeholderRegister(L *lua.LState) int {
	if a.m.placeholders == nil {
		a.unavailable(L, FacilityPlaceholders)
		return 0
	}
	fn := L.CheckFunction(1)
	opts := optTable(L, 2)

	id := a.placeholderID()
	resolve := a.vm.Wrap(fn, "placeholder")
	what := fmt.Sprintf("expanding placeholder '%s'", id)
	exp := &host.Expansion{
		Identifier: id,
		Author:     tableString(opts, "author"),
		Version:    tableString(opts, "version"),
		Resolve: func(_ context.Context, subject, params string) (string, bool) {
			res, ok := a.m.router.Invoke(a.s, what, resolve, subject, params)
			if !ok || res == nil {
				return "", false
			}
			return fmt.Sprint(res), true
		},
	}
	if exp.Version == "" {
		exp.Version = "1.0"
	}
	if err := a.accepting(); err != nil {
		return rejected(L, err)
	}
	if _, err := a.m.placeholderReg.Register(a.s.Name(), id, exp); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LString(id))
	return 1
}

// host.placeholder.unregister()
func (a *api) placeholderUnregister(L *lua.LState) int {
	err := a.m.placeholderReg.UnregisterKey(a.s.Name(), a.placeholderID())
	L.Push(lua.LBool(err == nil))
	return 1
}
