package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/fault"
	"scripthost/internal/host"
	"scripthost/internal/protocol"
	"scripthost/internal/script"
	"scripthost/internal/store"
)

// global reads a global of a running script.
func global(t *testing.T, f *fixture, name, key string) lua.LValue {
	t.Helper()
	s, ok := f.mgr.Script(name)
	require.True(t, ok)
	vm := s.VM()
	require.NotNil(t, vm)
	var v lua.LValue
	require.NoError(t, vm.Do(func(L *lua.LState) error {
		v = L.GetGlobal(key)
		return nil
	}))
	return v
}

func TestScriptTable(t *testing.T) {
	f := setup(t)
	f.write(t, "demo.lua", `
assert(host.script.name == "demo")
assert(#host.script.instance > 0)
assert(host.script.config.greeting == "hi")
assert(host.script.config.retries == 3)
host.log("loaded", "debug")
`)
	f.write(t, script.OptionsFile, "demo:\n  config:\n    greeting: hi\n    retries: 3\n")
	assert.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "demo"))
}

func TestListenerCancelsEvent(t *testing.T) {
	f := setup(t)
	f.write(t, "filter.lua", `
seen = 0
host.listener.register("chat", function(e)
  seen = seen + 1
  return e.msg == "spam"
end, {priority = "low"})
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "filter"))

	var delivered []string
	f.events.Register("chat", host.PriorityNormal, true, func(_ context.Context, e *host.Event) {
		delivered = append(delivered, e.Data["msg"].(string))
	})

	ctx := context.Background()
	cancelled, err := f.mgr.Emit(ctx, &host.Event{Type: "chat", Data: map[string]any{"msg": "spam"}, Cancellable: true})
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = f.mgr.Emit(ctx, &host.Event{Type: "chat", Data: map[string]any{"msg": "hi"}, Cancellable: true})
	require.NoError(t, err)
	assert.False(t, cancelled)

	assert.Equal(t, []string{"hi"}, delivered)
	assert.Equal(t, lua.LNumber(2), global(t, f, "filter", "seen"))
}

func TestListenerRegisteredTwiceIsRejected(t *testing.T) {
	f := setup(t)
	f.write(t, "dup.lua", `
local ok = host.listener.register("chat", function() end)
assert(ok == true)
local again, err = host.listener.register("chat", function() end)
assert(again == nil)
assert(type(err) == "string")
local name, cerr = host.command.register{name = "one", handler = function() return true end}
assert(name == "one" and cerr == nil)
local none, cerr2 = host.command.register{name = "one", handler = function() return true end}
assert(none == nil and cerr2 ~= nil)
assert(host.listener.unregister("chat") == true)
assert(host.listener.unregister("chat") == false)
`)
	assert.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "dup"))
	assert.Equal(t, 0, f.events.Count("chat"))
}

func TestEventsEmitIsDeferred(t *testing.T) {
	f := setup(t)
	f.write(t, "emitter.lua", `host.events.emit("ping", {n = 1, fn = function() end})`)

	got := make(chan map[string]any, 1)
	f.events.Register("ping", host.PriorityNormal, false, func(_ context.Context, e *host.Event) {
		got <- e.Data
	})
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "emitter"))

	select {
	case data := <-got:
		assert.Equal(t, float64(1), data["n"])
		assert.Equal(t, "emitter", data["source"])
		assert.NotContains(t, data, "fn")
	case <-time.After(time.Second):
		t.Fatal("event not emitted")
	}

	f.write(t, "spoof.lua", `host.events.emit("script_load", {})`)
	assert.Equal(t, script.ResultFault, f.mgr.Load(context.Background(), "spoof"))
}

func TestSchedulerAPI(t *testing.T) {
	f := setup(t)
	f.write(t, "ticker.lua", `
ticks = 0
once = nil
repeating = host.scheduler.run_repeating(0.01, 0.01, function(step) ticks = ticks + step end, 1)
host.scheduler.run(function(v) once = v end, "now")
local later = host.scheduler.run_later_async(60, function() end)
assert(host.scheduler.cancel(later) == true)
assert(host.scheduler.cancel(later) == false)
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "ticker"))

	require.Eventually(t, func() bool {
		tasks := f.mgr.Scheduler().List("ticker")
		return len(tasks) == 1 && tasks[0].Runs() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lua.LString("now"), global(t, f, "ticker", "once"))

	require.Equal(t, script.ResultSuccess, f.mgr.Unload(context.Background(), "ticker"))
	assert.Empty(t, f.mgr.Scheduler().List("ticker"))
}

func TestAsyncTasksBeyondPoolSizeDuringStart(t *testing.T) {
	f := setup(t, func(c *Config) {
		tl, err := host.NewTimeline(c.Loop, 2, testLogger())
		require.NoError(t, err)
		t.Cleanup(tl.Close)
		c.Timeline = tl
	})
	f.write(t, "burst.lua", `
function start()
  for i = 1, 5 do
    host.scheduler.run_async(function() host.events.emit("burst_done") end)
  end
end
`)
	done := make(chan struct{}, 5)
	f.events.Register("burst_done", host.PriorityNormal, false, func(context.Context, *host.Event) {
		done <- struct{}{}
	})

	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "burst"))
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 5 async tasks finished", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.loop.Call(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, script.ResultSuccess, f.mgr.Unload(context.Background(), "burst"))
}

func TestRegistrationsRefusedDuringTeardown(t *testing.T) {
	f := setup(t)
	f.write(t, "late.lua", `
function stop()
  local name, cerr = host.command.register{name = "late", handler = function() return true end}
  local ok, lerr = host.listener.register("chat", function() end)
  local id, terr = host.scheduler.run_later(60, function() end)
  host.events.emit("late_result", {
    command = tostring(name), command_err = cerr,
    listener = tostring(ok), listener_err = lerr,
    task = tostring(id), task_err = terr,
  })
end
`)
	got := make(chan map[string]any, 1)
	f.events.Register("late_result", host.PriorityNormal, false, func(_ context.Context, e *host.Event) {
		got <- e.Data
	})

	ctx := context.Background()
	require.Equal(t, script.ResultSuccess, f.mgr.Load(ctx, "late"))
	require.Equal(t, script.ResultSuccess, f.mgr.Unload(ctx, "late"))

	select {
	case data := <-got:
		for _, kind := range []string{"command", "listener", "task"} {
			assert.Equal(t, "nil", data[kind], kind)
			assert.Contains(t, data[kind+"_err"], "registrations closed", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not report")
	}
	_, ok := f.commands.Lookup("late")
	assert.False(t, ok)
	assert.Equal(t, 0, f.events.Count("chat"))
	assert.Empty(t, f.mgr.Scheduler().List("late"))
	for kind, n := range f.mgr.Resources("late") {
		assert.Zero(t, n, kind)
	}
}

func TestSchedulerRejectsBadArguments(t *testing.T) {
	f := setup(t)
	f.write(t, "neg.lua", `host.scheduler.run_later(-1, function() end)`)
	assert.Equal(t, script.ResultFault, f.mgr.Load(context.Background(), "neg"))

	f.write(t, "zero.lua", `host.scheduler.run_repeating(0, 0, function() end)`)
	assert.Equal(t, script.ResultFault, f.mgr.Load(context.Background(), "zero"))
}

func TestProtocolAPI(t *testing.T) {
	packets := &fakePackets{}
	f := setup(t, func(c *Config) { c.Packets = packets })
	f.write(t, "relay.lua", `
last = nil
host.protocol.listen("CHAT", function(p)
  last = p.payload
  return p.payload == "drop"
end, {priority = "high"})
assert(host.protocol.send("PING", "1") == true)
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "relay"))
	assert.Equal(t, []string{"PING 1"}, packets.sent)

	hooks := packets.hookList()
	require.Len(t, hooks, 1)
	assert.Equal(t, "relay", hooks[0].Owner)
	assert.Equal(t, host.PriorityHigh, hooks[0].Priority)

	ctx := context.Background()
	assert.True(t, hooks[0].Fn(ctx, &protocol.Packet{Type: "CHAT", Payload: []byte("drop"), Inbound: true}))
	assert.False(t, hooks[0].Fn(ctx, &protocol.Packet{Type: "CHAT", Payload: []byte("keep"), Inbound: true}))
	assert.Equal(t, lua.LString("keep"), global(t, f, "relay", "last"))

	require.Equal(t, script.ResultSuccess, f.mgr.Unload(ctx, "relay"))
	assert.Empty(t, packets.hookList())
}

func TestPubSubAPI(t *testing.T) {
	ps := newFakePubSub()
	f := setup(t, func(c *Config) { c.PubSub = ps })
	f.write(t, "news.lua", `
got = nil
host.pubsub.subscribe("news/#", function(topic, msg) got = topic .. "=" .. msg end)
host.pubsub.publish("out", "hello")
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "news"))
	assert.Equal(t, []string{"out hello"}, ps.published)

	ps.mu.Lock()
	h := ps.handlers["news/#"]
	ps.mu.Unlock()
	require.NotNil(t, h)
	h(context.Background(), "news/today", []byte("sunny"))
	assert.Equal(t, lua.LString("news/today=sunny"), global(t, f, "news", "got"))

	require.Equal(t, script.ResultSuccess, f.mgr.Unload(context.Background(), "news"))
	assert.Equal(t, 1, ps.cancelled)
	assert.Empty(t, ps.handlers)
}

func TestUnavailableFacilityRaises(t *testing.T) {
	f := setup(t)
	f.write(t, "wire.lua", `host.protocol.send("PING", "1")`)
	require.Equal(t, script.ResultFault, f.mgr.Load(context.Background(), "wire"))

	s, _ := f.mgr.Script("wire")
	assert.Contains(t, s.Info().LastError, "host api unavailable")

	g := setup(t, func(c *Config) { c.Placeholders = nil })
	_, err := g.mgr.Expand(context.Background(), "x", "%a%")
	assert.ErrorIs(t, err, fault.ErrHostAPIUnavailable)

	h := setup(t, func(c *Config) { c.Configs = nil })
	h.write(t, "cfg.lua", `host.config.load("main.yml")`)
	assert.Equal(t, script.ResultFault, h.mgr.Load(context.Background(), "cfg"))
	assert.False(t, h.mgr.Available(FacilityConfig))
}

func TestStoreAPI(t *testing.T) {
	f := setup(t)
	f.write(t, "notes.lua", `
assert(host.store.get("missing") == nil)
assert(host.store.set("cfg", {a = 1, list = {"x", "y"}}) == true)
local v = host.store.get("cfg")
assert(v.a == 1)
assert(v.list[2] == "y")
host.store.set("other", "text")
local keys = host.store.keys()
assert(#keys == 2 and keys[1] == "cfg")
host.store.delete("other")
host.store.set("cfg", nil)
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "notes"))

	keys, err := f.store.DataKeys("notes")
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = f.store.GetData("notes", "cfg")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfigAPI(t *testing.T) {
	f := setup(t)
	userFile := filepath.Join(f.configsDir, "settings", "user.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userFile), 0o755))
	require.NoError(t, os.WriteFile(userFile, []byte("greeting: hello\n"), 0o644))

	f.write(t, "settings.lua", `
assert(host.config.exists("main.yml") == false)
local cfg = host.config.load("main.yml", {greeting = "hi", limits = {max = 3}})
assert(cfg.greeting == "hi")
assert(cfg.limits.max == 3)
assert(host.config.exists("main.yml") == true)

cfg.greeting = "hey"
assert(host.config.save("main.yml", cfg) == true)
assert(host.config.reload("main.yml").greeting == "hey")

local user = host.config.load("user.yml", "greeting: hi\nretries: 2\n")
assert(user.greeting == "hello")
assert(user.retries == 2)

local bad, err = host.config.load("../escape.yml")
assert(bad == nil and string.find(err, "invalid config path"))

assert(host.config.delete("main.yml") == true)
assert(host.config.delete("main.yml") == false)
local gone, gerr = host.config.reload("main.yml")
assert(gone == nil and gerr ~= nil)
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "settings"))
	assert.NoFileExists(t, filepath.Join(f.configsDir, "settings", "main.yml"))
	assert.FileExists(t, userFile)
	assert.NoFileExists(t, filepath.Join(f.configsDir, "escape.yml"))
}

func TestCommandExecuteFromScript(t *testing.T) {
	f := setup(t)
	f.write(t, "greeter.lua", greeter)
	f.write(t, "caller.lua", `
function start()
  host.command.execute("scripts load greeter")
end
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "caller"))
	require.Eventually(t, func() bool {
		s, ok := f.mgr.Script("greeter")
		return ok && s.State() == script.StateRunning
	}, time.Second, 10*time.Millisecond)
}

func TestCommandCompleter(t *testing.T) {
	f := setup(t)
	f.write(t, "colors.lua", `
host.command.register{
  name = "color",
  aliases = {"colour"},
  handler = function() return true end,
  completer = function(sender, label, args)
    local out = {}
    for _, c in ipairs({"red", "green", "grey"}) do
      if c:sub(1, #args[1]) == args[1] then table.insert(out, c) end
    end
    return out
  end,
}
`)
	require.Equal(t, script.ResultSuccess, f.mgr.Load(context.Background(), "colors"))

	got, err := f.mgr.Complete(context.Background(), host.NewConsoleSender("test", nil), "colour g")
	require.NoError(t, err)
	assert.Equal(t, []string{"green", "grey"}, got)

	cmd, ok := f.commands.Lookup("colors:color")
	require.True(t, ok)
	assert.Equal(t, "colors", cmd.Owner())
}
