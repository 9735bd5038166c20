package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"scripthost/internal/host"
	"scripthost/internal/script"
)

var scriptsSubcommands = []string{"info", "list", "load", "loadall", "reload", "unload"}

// scriptsCommand is the operator command for managing scripts from the
// console or the API.
func (m *Manager) scriptsCommand() *host.Command {
	return &host.Command{
		Name:        "scripts",
		Description: "Manage scripts",
		Usage:       "/<command> <list|info|load|unload|reload|loadall> [script]",
		Permission:  "scripthost.scripts",
		Aliases:     []string{"sh"},
		Execute:     m.runScriptsCommand,
		Complete:    m.completeScriptsCommand,
	}
}

func (m *Manager) runScriptsCommand(ctx context.Context, sender host.Sender, _ string, args []string) bool {
	if len(args) == 0 {
		return false
	}
	sub := strings.ToLower(args[0])

	switch sub {
	case "list":
		infos := m.Scripts()
		if len(infos) == 0 {
			sender.SendMessage("No scripts.")
			return true
		}
		for _, info := range infos {
			sender.SendMessage(fmt.Sprintf("%s [%s]", info.Name, info.State))
		}
		return true
	case "loadall":
		reports, err := m.LoadAll(ctx)
		if err != nil {
			sender.SendMessage("Failed to load scripts: " + err.Error())
			return true
		}
		for _, r := range reports {
			sender.SendMessage(r.Result.Message(r.Script))
		}
		return true
	}

	if len(args) != 2 {
		return false
	}
	name := args[1]

	switch sub {
	case "info":
		s, ok := m.Script(name)
		if !ok {
			sender.SendMessage(script.ResultNotFound.Message(name))
			return true
		}
		info := s.Info()
		sender.SendMessage(fmt.Sprintf("%s [%s] %s", info.Name, info.State, info.Path))
		if info.Instance != "" {
			sender.SendMessage("instance: " + info.Instance)
		}
		if info.LastError != "" {
			sender.SendMessage("last error: " + info.LastError)
		}
		res := m.Resources(name)
		kinds := make([]string, 0, len(res))
		for k := range res {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			if res[k] > 0 {
				sender.SendMessage(fmt.Sprintf("%ss: %d", k, res[k]))
			}
		}
	case "load":
		sender.SendMessage(m.Load(ctx, name).Message(name))
	case "unload":
		sender.SendMessage(m.Unload(ctx, name).Message(name))
	case "reload":
		sender.SendMessage(m.Reload(ctx, name).Message(name))
	default:
		return false
	}
	return true
}

func (m *Manager) completeScriptsCommand(_ context.Context, _ host.Sender, _ string, args []string) []string {
	switch len(args) {
	case 1:
		return withPrefix(scriptsSubcommands, args[0])
	case 2:
		switch strings.ToLower(args[0]) {
		case "load":
			names, err := m.loader.Names()
			if err != nil {
				return nil
			}
			return withPrefix(names, args[1])
		case "info", "unload", "reload":
			var names []string
			for _, info := range m.Scripts() {
				names = append(names, info.Name)
			}
			return withPrefix(names, args[1])
		}
	}
	return nil
}

func withPrefix(candidates []string, prefix string) []string {
	prefix = strings.ToLower(prefix)
	out := []string{}
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), prefix) {
			out = append(out, c)
		}
	}
	return out
}
