package lifecycle

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/protocol"
)

func (a *api) registerProtocolModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	t.RawSetString("listen", L.NewFunction(a.protocolListen))
	t.RawSetString("unlisten", L.NewFunction(a.protocolUnlisten))
	t.RawSetString("send", L.NewFunction(a.protocolSend))
	mod.RawSetString("protocol", t)
}

// host.protocol.listen(type, fn [, {priority, async}])
//
// fn receives {type, payload, inbound}. Returning true from a synchronous
// listener drops the packet.
func (a *api) protocolListen(L *lua.LState) int {
	if a.m.packets == nil {
		a.unavailable(L, FacilityProtocol)
		return 0
	}
	packetType := strings.TrimSpace(L.CheckString(1))
	fn := L.CheckFunction(2)
	opts := optTable(L, 3)
	if packetType == "" {
		L.ArgError(1, errEmptyName.Error())
		return 0
	}

	handler := a.vm.Wrap(fn, "packet "+packetType)
	what := fmt.Sprintf("handling packet '%s'", packetType)
	hook := &protocol.Hook{
		Owner:    a.s.Name(),
		Type:     packetType,
		Priority: tablePriority(L, opts),
		Async:    tableBool(opts, "async"),
		Fn: func(_ context.Context, p *protocol.Packet) bool {
			res, ok := a.m.router.Invoke(a.s, what, handler, map[string]any{
				"type":    p.Type,
				"payload": string(p.Payload),
				"inbound": p.Inbound,
			})
			return ok && isTrue(res)
		},
	}
	if err := a.accepting(); err != nil {
		return rejected(L, err)
	}
	if _, err := a.m.hookReg.Register(a.s.Name(), packetType, hook); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// host.protocol.unlisten(type)
func (a *api) protocolUnlisten(L *lua.LState) int {
	packetType := strings.TrimSpace(L.CheckString(1))
	err := a.m.hookReg.UnregisterKey(a.s.Name(), packetType)
	L.Push(lua.LBool(err == nil))
	return 1
}

// host.protocol.send(type, payload)
func (a *api) protocolSend(L *lua.LState) int {
	if a.m.packets == nil {
		a.unavailable(L, FacilityProtocol)
		return 0
	}
	packetType := strings.TrimSpace(L.CheckString(1))
	payload := L.OptString(2, "")
	if err := a.m.packets.Send(a.vm.Context(), packetType, []byte(payload)); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}
