package lifecycle

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

func (a *api) registerPubSubModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	t.RawSetString("subscribe", L.NewFunction(a.pubsubSubscribe))
	t.RawSetString("unsubscribe", L.NewFunction(a.pubsubUnsubscribe))
	t.RawSetString("publish", L.NewFunction(a.pubsubPublish))
	mod.RawSetString("pubsub", t)
}

// host.pubsub.subscribe(topic, fn) calls fn(topic, message) for every
// message on topic. MQTT wildcards are allowed.
func (a *api) pubsubSubscribe(L *lua.LState) int {
	if a.m.pubsub == nil {
		a.unavailable(L, FacilityPubSub)
		return 0
	}
	filter := strings.TrimSpace(L.CheckString(1))
	fn := L.CheckFunction(2)
	if filter == "" {
		L.ArgError(1, errEmptyName.Error())
		return 0
	}

	handler := a.vm.Wrap(fn, "subscriber "+filter)
	what := fmt.Sprintf("handling message on '%s'", filter)
	sub := &subscription{
		handler: func(_ context.Context, topic string, payload []byte) {
			a.m.router.Invoke(a.s, what, handler, topic, string(payload))
		},
	}
	if err := a.accepting(); err != nil {
		return rejected(L, err)
	}
	if _, err := a.m.subscriptionReg.Register(a.s.Name(), filter, sub); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// host.pubsub.unsubscribe(topic)
func (a *api) pubsubUnsubscribe(L *lua.LState) int {
	err := a.m.subscriptionReg.UnregisterKey(a.s.Name(), strings.TrimSpace(L.CheckString(1)))
	L.Push(lua.LBool(err == nil))
	return 1
}

// host.pubsub.publish(topic, message)
func (a *api) pubsubPublish(L *lua.LState) int {
	if a.m.pubsub == nil {
		a.unavailable(L, FacilityPubSub)
		return 0
	}
	topic := L.CheckString(1)
	msg := L.CheckString(2)
	if err := a.m.pubsub.Publish(topic, []byte(msg)); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}
