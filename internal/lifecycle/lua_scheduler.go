package lifecycle

import (
	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/host"
	"scripthost/internal/luavm"
	"scripthost/internal/scheduler"
)

func (a *api) registerSchedulerModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	for name, mode := range map[string]host.Mode{"": host.Sync, "_async": host.Async} {
		t.RawSetString("run"+name, L.NewFunction(func(L *lua.LState) int {
			return a.schedule(L, mode, false, false)
		}))
		t.RawSetString("run_later"+name, L.NewFunction(func(L *lua.LState) int {
			return a.schedule(L, mode, true, false)
		}))
		t.RawSetString("run_repeating"+name, L.NewFunction(func(L *lua.LState) int {
			return a.schedule(L, mode, true, true)
		}))
	}
	t.RawSetString("cancel", L.NewFunction(a.schedulerCancel))
	t.RawSetString("cancel_all", L.NewFunction(a.schedulerCancelAll))
	mod.RawSetString("scheduler", t)
}

// host.scheduler.run(fn, ...)
// host.scheduler.run_later(delay, fn, ...)
// host.scheduler.run_repeating(delay, interval, fn, ...)
//
// The _async variants run on a worker instead of the loop. Extra arguments
// are passed to fn on every run. Returns the task id, or nil and a message
// once the script is being torn down.
func (a *api) schedule(L *lua.LState, mode host.Mode, delayed, repeating bool) int {
	opts := scheduler.Options{Mode: mode}
	n := 1
	if delayed {
		opts.Delay = seconds(L, n)
		n++
	}
	if repeating {
		opts.Interval = seconds(L, n)
		if opts.Interval <= 0 {
			L.ArgError(n, "interval must be positive")
			return 0
		}
		n++
	}
	fn := L.CheckFunction(n)

	var args []any
	for i := n + 1; i <= L.GetTop(); i++ {
		args = append(args, plain(luavm.ToGo(L.Get(i))))
	}

	if err := a.accepting(); err != nil {
		return rejected(L, err)
	}
	id, err := a.m.scheduler.Schedule(a.s, a.vm.Wrap(fn, "task"), opts, args...)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LNumber(id))
	return 1
}

// host.scheduler.cancel(id)
func (a *api) schedulerCancel(L *lua.LState) int {
	id := int64(L.CheckNumber(1))
	L.Push(lua.LBool(a.m.scheduler.CancelOwned(a.s.Name(), id)))
	return 1
}

// host.scheduler.cancel_all()
func (a *api) schedulerCancelAll(L *lua.LState) int {
	n := a.m.scheduler.Registry().Count(a.s.Name())
	if err := a.m.scheduler.CancelAll(a.s.Name()); err != nil {
		a.s.Logger().Warn("cancel tasks", "err", err)
	}
	L.Push(lua.LNumber(n))
	return 1
}
