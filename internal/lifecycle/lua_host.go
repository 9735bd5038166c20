package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/host"
	"scripthost/internal/luavm"
	"scripthost/internal/script"
)

// api is the state shared by the functions of one script's host module.
// Every function runs with the script's VM locked, so none of them may call
// back into Lua synchronously.
type api struct {
	m  *Manager
	s  *script.Script
	vm *luavm.VM
}

// bindAPI installs the `host` global table in a freshly created state.
func (m *Manager) bindAPI(L *lua.LState, vm *luavm.VM, s *script.Script) {
	a := &api{m: m, s: s, vm: vm}
	mod := L.NewTable()

	mod.RawSetString("log", L.NewFunction(a.log))
	mod.RawSetString("script", a.scriptTable(L))

	a.registerCommandModule(L, mod)
	a.registerEventModules(L, mod)
	a.registerSchedulerModule(L, mod)
	a.registerPlaceholderModule(L, mod)
	a.registerProtocolModule(L, mod)
	a.registerPubSubModule(L, mod)
	a.registerStoreModule(L, mod)
	a.registerConfigModule(L, mod)

	L.SetGlobal("host", mod)
}

// host.log(msg [, level])
func (a *api) log(L *lua.LState) int {
	msg := L.CheckString(1)
	level := L.OptString(2, "info")

	logger := a.s.Logger()
	switch level {
	case "debug":
		logger.Debug(msg)
	case "warn", "warning":
		logger.Warn(msg)
	case "error", "severe":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return 0
}

func (a *api) scriptTable(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(a.s.Name()))
	t.RawSetString("instance", lua.LString(a.s.Instance()))
	cfg := a.s.Options().Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	t.RawSetString("config", luavm.ToLua(L, cfg))
	return t
}

// rejected pushes nil and a message, the convention for registrations the
// host refused.
func rejected(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// accepting refuses new resources once teardown of the script has begun.
func (a *api) accepting() error {
	switch st := a.s.State(); st {
	case script.StateLoading, script.StateRunning:
		return nil
	default:
		return fmt.Errorf("script %s is %s: %w", a.s.Name(), st, errNotAccepting)
	}
}

// unavailable raises a Lua error when an optional facility is missing.
func (a *api) unavailable(L *lua.LState, facility string) {
	L.RaiseError("%s", errUnavailable(facility).Error())
}

// seconds reads a non-negative delay given in seconds.
func seconds(L *lua.LState, n int) time.Duration {
	v := float64(L.CheckNumber(n))
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		L.ArgError(n, "delay must be a non-negative number of seconds")
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// optTable returns the optional options table at n, or an empty one.
func optTable(L *lua.LState, n int) *lua.LTable {
	if L.GetTop() < n || L.Get(n) == lua.LNil {
		return L.NewTable()
	}
	return L.CheckTable(n)
}

func tableString(t *lua.LTable, key string) string {
	if v, ok := t.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

func tableBool(t *lua.LTable, key string) bool {
	return lua.LVAsBool(t.RawGetString(key))
}

func tablePriority(L *lua.LState, t *lua.LTable) host.Priority {
	s := tableString(t, "priority")
	if s == "" {
		return host.PriorityNormal
	}
	p, err := host.ParsePriority(s)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return p
}

// toStrings converts the result of a Lua call to a string list.
func toStrings(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, x := range val {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case string:
		return []string{val}
	default:
		return nil
	}
}

// plain drops Lua functions, userdata and threads from a converted value so
// it can cross into another state or be serialized.
func plain(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, x := range val {
			if p := plain(x); p == nil {
				delete(val, k)
			} else {
				val[k] = p
			}
		}
		return val
	case []any:
		for i := range val {
			val[i] = plain(val[i])
		}
		return val
	case lua.LValue:
		return nil
	default:
		return v
	}
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// luaSender exposes a command sender to Lua as a table with name, send and
// has_permission.
type luaSender struct {
	sender host.Sender
}

func (ls luaSender) LuaValue(L *lua.LState) lua.LValue {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(ls.sender.Name()))
	t.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		ls.sender.SendMessage(L.CheckString(L.GetTop()))
		return 0
	}))
	t.RawSetString("has_permission", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(ls.sender.HasPermission(L.CheckString(L.GetTop()))))
		return 1
	}))
	return t
}

var (
	errEmptyName    = errors.New("name must not be empty")
	errNotAccepting = errors.New("registrations closed")
)
