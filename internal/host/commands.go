package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by Dispatch for labels nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

const defaultPermissionMessage = "You do not have permission to use this command."

// Sender is whoever runs a command: the console, an API client, a script.
type Sender interface {
	Name() string
	SendMessage(msg string)
	HasPermission(perm string) bool
}

// CommandFunc executes a command. Returning false prints the usage message.
type CommandFunc func(ctx context.Context, sender Sender, label string, args []string) bool

// CompleteFunc returns completions for the last argument.
type CompleteFunc func(ctx context.Context, sender Sender, label string, args []string) []string

// Command is a native command installed in the CommandTable.
type Command struct {
	Name              string
	Description       string
	Usage             string
	Permission        string
	PermissionMessage string
	Aliases           []string
	Execute           CommandFunc
	Complete          CompleteFunc

	owner  string
	labels []string
}

// Owner is the owner label the command was registered under.
func (c *Command) Owner() string { return c.owner }

// Labels returns every label currently routed to this command.
func (c *Command) Labels() []string { return append([]string(nil), c.labels...) }

// CommandInfo is the public view of an installed command.
type CommandInfo struct {
	Name        string   `json:"name"`
	Owner       string   `json:"owner"`
	Description string   `json:"description,omitempty"`
	Usage       string   `json:"usage,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Labels      []string `json:"labels"`
}

// HelpTopic is one entry of the help index.
type HelpTopic struct {
	Topic string `json:"topic"`
	Text  string `json:"text"`
	Owner string `json:"owner"`
}

// CommandTable routes command labels to native commands. Every command is
// reachable as "<owner>:<name>"; the bare name and aliases are only claimed
// when free.
type CommandTable struct {
	mu      sync.RWMutex
	known   map[string]*Command
	help    map[string]HelpTopic
	version uint64

	hooksMu sync.Mutex
	hooks   map[uint64]func(version uint64)
	nextID  uint64

	logger *slog.Logger
}

// NewCommandTable creates an empty table.
func NewCommandTable(logger *slog.Logger) *CommandTable {
	return &CommandTable{
		known:  make(map[string]*Command),
		help:   make(map[string]HelpTopic),
		hooks:  make(map[uint64]func(uint64)),
		logger: logger.With("component", "commands"),
	}
}

// Register installs cmd under ownerLabel. It returns true when the bare name
// was acquired and false when the command is only reachable through its
// fallback label. An error is returned when even the fallback label is taken.
func (ct *CommandTable) Register(ownerLabel string, cmd *Command) (bool, error) {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" || strings.ContainsAny(name, " \t") {
		return false, fmt.Errorf("invalid command name %q", cmd.Name)
	}
	owner := strings.ToLower(ownerLabel)
	fallback := owner + ":" + name

	ct.mu.Lock()
	defer ct.mu.Unlock()

	if _, taken := ct.known[fallback]; taken {
		return false, fmt.Errorf("command label %q already in use", fallback)
	}

	cmd.owner = owner
	cmd.labels = []string{fallback}
	ct.known[fallback] = cmd

	primary := false
	if _, taken := ct.known[name]; !taken {
		ct.known[name] = cmd
		cmd.labels = append(cmd.labels, name)
		primary = true
	}
	for _, a := range cmd.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, taken := ct.known[a]; taken {
			continue
		}
		ct.known[a] = cmd
		cmd.labels = append(cmd.labels, a)
	}

	ct.addHelpLocked(cmd, name)
	return primary, nil
}

func (ct *CommandTable) addHelpLocked(cmd *Command, name string) {
	text := cmd.Description
	if text == "" {
		text = cmd.Usage
	}
	topic := "/" + name
	if existing, ok := ct.help[topic]; ok && existing.Owner != cmd.owner {
		topic = "/" + cmd.owner + ":" + name
	}
	ct.help[topic] = HelpTopic{Topic: topic, Text: text, Owner: cmd.owner}
	for _, label := range cmd.labels {
		if label == name || strings.Contains(label, ":") {
			continue
		}
		at := "/" + label
		if _, ok := ct.help[at]; ok {
			continue
		}
		ct.help[at] = HelpTopic{Topic: at, Text: "Alias for /" + name, Owner: cmd.owner}
	}
}

// Unregister removes every label and help topic belonging to cmd.
func (ct *CommandTable) Unregister(cmd *Command) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for _, label := range cmd.labels {
		if ct.known[label] == cmd {
			delete(ct.known, label)
		}
	}
	cmd.labels = nil

	name := strings.ToLower(cmd.Name)
	for topic, h := range ct.help {
		if h.Owner != cmd.owner {
			continue
		}
		if topic == "/"+name || topic == "/"+cmd.owner+":"+name || h.Text == "Alias for /"+name {
			delete(ct.help, topic)
		}
	}
}

// OnSync registers fn to be called after every Sync with the new version.
// Returns an unsubscribe function.
func (ct *CommandTable) OnSync(fn func(version uint64)) func() {
	ct.hooksMu.Lock()
	defer ct.hooksMu.Unlock()
	id := ct.nextID
	ct.nextID++
	ct.hooks[id] = fn
	return func() {
		ct.hooksMu.Lock()
		defer ct.hooksMu.Unlock()
		delete(ct.hooks, id)
	}
}

// Sync publishes the current table to subscribers.
func (ct *CommandTable) Sync() {
	ct.mu.Lock()
	ct.version++
	v := ct.version
	ct.mu.Unlock()

	ct.hooksMu.Lock()
	hooks := make([]func(uint64), 0, len(ct.hooks))
	for _, h := range ct.hooks {
		hooks = append(hooks, h)
	}
	ct.hooksMu.Unlock()

	for _, h := range hooks {
		h(v)
	}
}

// Version is incremented by every Sync.
func (ct *CommandTable) Version() uint64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.version
}

// Lookup returns the command routed to label.
func (ct *CommandTable) Lookup(label string) (*Command, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	cmd, ok := ct.known[strings.ToLower(label)]
	return cmd, ok
}

// Dispatch parses line and runs the matching command.
func (ct *CommandTable) Dispatch(ctx context.Context, sender Sender, line string) error {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return ErrUnknownCommand
	}
	label := strings.ToLower(fields[0])
	cmd, ok := ct.Lookup(label)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, label)
	}

	if cmd.Permission != "" && !sender.HasPermission(cmd.Permission) {
		msg := cmd.PermissionMessage
		if msg == "" {
			msg = defaultPermissionMessage
		}
		sender.SendMessage(msg)
		return nil
	}

	if !cmd.Execute(ctx, sender, label, fields[1:]) && cmd.Usage != "" {
		sender.SendMessage(strings.ReplaceAll(cmd.Usage, "<command>", label))
	}
	return nil
}

// Complete returns completions for a partial command line. Without a space
// the labels are completed; otherwise the command's completer is asked.
func (ct *CommandTable) Complete(ctx context.Context, sender Sender, line string) []string {
	line = strings.TrimPrefix(line, "/")
	if !strings.Contains(line, " ") {
		prefix := strings.ToLower(line)
		ct.mu.RLock()
		var out []string
		for label := range ct.known {
			if strings.HasPrefix(label, prefix) {
				out = append(out, label)
			}
		}
		ct.mu.RUnlock()
		sort.Strings(out)
		return out
	}

	fields := strings.Fields(line)
	cmd, ok := ct.Lookup(fields[0])
	if !ok || cmd.Complete == nil {
		return []string{}
	}
	args := fields[1:]
	if strings.HasSuffix(line, " ") {
		args = append(args, "")
	}
	if out := cmd.Complete(ctx, sender, strings.ToLower(fields[0]), args); out != nil {
		return out
	}
	return []string{}
}

// Commands lists installed commands sorted by owner and name.
func (ct *CommandTable) Commands() []CommandInfo {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	seen := make(map[*Command]bool)
	var out []CommandInfo
	for _, cmd := range ct.known {
		if seen[cmd] {
			continue
		}
		seen[cmd] = true
		labels := append([]string(nil), cmd.labels...)
		sort.Strings(labels)
		out = append(out, CommandInfo{
			Name:        cmd.Name,
			Owner:       cmd.owner,
			Description: cmd.Description,
			Usage:       cmd.Usage,
			Aliases:     cmd.Aliases,
			Labels:      labels,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Help returns the help index sorted by topic.
func (ct *CommandTable) Help() []HelpTopic {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]HelpTopic, 0, len(ct.help))
	for _, h := range ct.help {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// ConsoleSender is a Sender with every permission that collects output.
type ConsoleSender struct {
	Label string

	mu       sync.Mutex
	messages []string
	logger   *slog.Logger
}

// NewConsoleSender creates a sender that also logs what it receives.
func NewConsoleSender(label string, logger *slog.Logger) *ConsoleSender {
	return &ConsoleSender{Label: label, logger: logger}
}

func (s *ConsoleSender) Name() string { return s.Label }

func (s *ConsoleSender) SendMessage(msg string) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("command output", "sender", s.Label, "msg", msg)
	}
}

func (s *ConsoleSender) HasPermission(string) bool { return true }

// Messages returns what the sender received so far.
func (s *ConsoleSender) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}
