package lifecycle

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/host"
	"scripthost/internal/luavm"
)

// Event types only the host may emit.
var hostEvents = map[string]bool{
	host.EventScriptLoad:     true,
	host.EventScriptUnload:   true,
	host.EventCommandsSynced: true,
	host.EventPacketReceived: true,
	host.EventPacketSent:     true,
}

func (a *api) registerEventModules(L *lua.LState, mod *lua.LTable) {
	listener := L.NewTable()
	listener.RawSetString("register", L.NewFunction(a.listenerRegister))
	listener.RawSetString("unregister", L.NewFunction(a.listenerUnregister))
	mod.RawSetString("listener", listener)

	events := L.NewTable()
	events.RawSetString("emit", L.NewFunction(a.eventsEmit))
	mod.RawSetString("events", events)
}

// host.listener.register(event, fn [, {priority, ignore_cancelled}])
func (a *api) listenerRegister(L *lua.LState) int {
	kind := strings.TrimSpace(L.CheckString(1))
	fn := L.CheckFunction(2)
	opts := optTable(L, 3)
	if kind == "" {
		L.ArgError(1, errEmptyName.Error())
		return 0
	}

	handler := a.vm.Wrap(fn, "listener "+kind)
	what := fmt.Sprintf("handling event '%s'", kind)
	l := &listener{
		priority:        tablePriority(L, opts),
		ignoreCancelled: tableBool(opts, "ignore_cancelled"),
		handler: func(ctx context.Context, e *host.Event) {
			data := make(map[string]any, len(e.Data)+2)
			for k, v := range e.Data {
				data[k] = v
			}
			data["type"] = e.Type
			data["cancelled"] = e.Cancelled()
			res, ok := a.m.router.Invoke(a.s, what, handler, data)
			if ok && isTrue(res) {
				e.Cancel()
			}
		},
	}
	if err := a.accepting(); err != nil {
		return rejected(L, err)
	}
	if _, err := a.m.listenerReg.Register(a.s.Name(), kind, l); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// host.listener.unregister(event)
func (a *api) listenerUnregister(L *lua.LState) int {
	err := a.m.listenerReg.UnregisterKey(a.s.Name(), L.CheckString(1))
	L.Push(lua.LBool(err == nil))
	return 1
}

// host.events.emit(type [, data]) fires a cancellable event after the
// current call has returned.
func (a *api) eventsEmit(L *lua.LState) int {
	kind := strings.TrimSpace(L.CheckString(1))
	if kind == "" {
		L.ArgError(1, errEmptyName.Error())
		return 0
	}
	if hostEvents[kind] {
		L.ArgError(1, "event '"+kind+"' is reserved for the host")
		return 0
	}
	data := map[string]any{}
	if t, ok := L.Get(2).(*lua.LTable); ok {
		if m, ok := plain(luavm.ToGo(t)).(map[string]any); ok {
			data = m
		}
	}
	data["source"] = a.s.Name()

	a.m.loop.Post(func(ctx context.Context) {
		a.m.events.Emit(ctx, &host.Event{Type: kind, Data: data, Cancellable: true})
	})
	return 0
}
