package lifecycle

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/host"
	"scripthost/internal/luavm"
)

const internalCommandError = "An internal error occurred while attempting to perform this command."

func (a *api) registerCommandModule(L *lua.LState, mod *lua.LTable) {
	t := L.NewTable()
	t.RawSetString("register", L.NewFunction(a.commandRegister))
	t.RawSetString("unregister", L.NewFunction(a.commandUnregister))
	t.RawSetString("execute", L.NewFunction(a.commandExecute))
	mod.RawSetString("command", t)
}

// host.command.register{name, handler, completer, description, usage,
// aliases, permission, permission_message}
func (a *api) commandRegister(L *lua.LState) int {
	def := L.CheckTable(1)
	name := strings.ToLower(strings.TrimSpace(tableString(def, "name")))
	if name == "" {
		L.ArgError(1, "command name is required")
		return 0
	}
	handler, ok := def.RawGetString("handler").(*lua.LFunction)
	if !ok {
		L.ArgError(1, "command handler must be a function")
		return 0
	}

	exec := a.vm.Wrap(handler, "command "+name)
	cmd := &host.Command{
		Name:              name,
		Description:       tableString(def, "description"),
		Usage:             tableString(def, "usage"),
		Permission:        tableString(def, "permission"),
		PermissionMessage: tableString(def, "permission_message"),
		Execute: func(ctx context.Context, sender host.Sender, label string, args []string) bool {
			res, ok := a.m.router.Invoke(a.s, fmt.Sprintf("executing command '%s'", label), exec,
				luaSender{sender}, label, args)
			if !ok {
				sender.SendMessage(internalCommandError)
				return true
			}
			if b, isBool := res.(bool); isBool && !b {
				return false
			}
			return true
		},
	}
	if v := def.RawGetString("aliases"); v != lua.LNil {
		cmd.Aliases = luavm.StringList(v)
	}
	if completer, ok := def.RawGetString("completer").(*lua.LFunction); ok {
		complete := a.vm.Wrap(completer, "completer "+name)
		cmd.Complete = func(ctx context.Context, sender host.Sender, label string, args []string) []string {
			res, ok := a.m.router.Invoke(a.s, fmt.Sprintf("tab-completing command '%s'", label), complete,
				luaSender{sender}, label, args)
			if !ok {
				return nil
			}
			return toStrings(res)
		}
	}

	if err := a.accepting(); err != nil {
		return rejected(L, err)
	}
	if _, err := a.m.commandReg.Register(a.s.Name(), name, cmd); err != nil {
		return rejected(L, err)
	}
	L.Push(lua.LString(name))
	return 1
}

// host.command.unregister(name)
func (a *api) commandUnregister(L *lua.LState) int {
	name := strings.ToLower(L.CheckString(1))
	err := a.m.commandReg.UnregisterKey(a.s.Name(), name)
	L.Push(lua.LBool(err == nil))
	return 1
}

// host.command.execute(line) runs a command as the console once the current
// call has returned.
func (a *api) commandExecute(L *lua.LState) int {
	line := L.CheckString(1)
	if strings.TrimSpace(line) == "" {
		L.ArgError(1, "empty command line")
		return 0
	}
	sender := host.NewConsoleSender("script:"+a.s.Name(), a.s.Logger())
	a.m.loop.Post(func(ctx context.Context) {
		if err := a.m.commands.Dispatch(ctx, sender, line); err != nil {
			a.s.Logger().Warn("execute command", "line", line, "err", err)
		}
	})
	return 0
}
