package host

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSender struct {
	perms    map[string]bool
	messages []string
}

func (s *testSender) Name() string                { return "tester" }
func (s *testSender) SendMessage(msg string)      { s.messages = append(s.messages, msg) }
func (s *testSender) HasPermission(p string) bool { return s.perms[p] }

func echoCommand(name string, aliases ...string) *Command {
	return &Command{
		Name:        name,
		Description: "Echo the arguments",
		Usage:       "/<command> <text>",
		Aliases:     aliases,
		Execute: func(_ context.Context, s Sender, _ string, args []string) bool {
			if len(args) == 0 {
				return false
			}
			s.SendMessage(strings.Join(args, " "))
			return true
		},
	}
}

func TestCommandRegisterLabels(t *testing.T) {
	ct := NewCommandTable(testLogger())

	first := echoCommand("echo", "say")
	primary, err := ct.Register("alpha", first)
	require.NoError(t, err)
	assert.True(t, primary)
	assert.ElementsMatch(t, []string{"alpha:echo", "echo", "say"}, first.Labels())

	second := echoCommand("echo")
	primary, err = ct.Register("beta", second)
	require.NoError(t, err)
	assert.False(t, primary, "bare label stays with the first owner")
	assert.Equal(t, []string{"beta:echo"}, second.Labels())

	_, err = ct.Register("beta", echoCommand("echo"))
	assert.Error(t, err, "fallback label already in use")

	_, err = ct.Register("beta", echoCommand("two words"))
	assert.Error(t, err)
}

func TestCommandDispatch(t *testing.T) {
	ct := NewCommandTable(testLogger())
	_, err := ct.Register("alpha", echoCommand("echo", "say"))
	require.NoError(t, err)

	s := &testSender{}
	require.NoError(t, ct.Dispatch(context.Background(), s, "/say hello world"))
	require.NoError(t, ct.Dispatch(context.Background(), s, "ALPHA:ECHO again"))
	require.NoError(t, ct.Dispatch(context.Background(), s, "echo"))
	assert.Equal(t, []string{"hello world", "again", "/echo <text>"}, s.messages)

	err = ct.Dispatch(context.Background(), s, "nope")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.ErrorIs(t, ct.Dispatch(context.Background(), s, "   "), ErrUnknownCommand)
}

func TestCommandPermission(t *testing.T) {
	ct := NewCommandTable(testLogger())
	cmd := echoCommand("secret")
	cmd.Permission = "scripts.secret"
	_, err := ct.Register("alpha", cmd)
	require.NoError(t, err)

	denied := &testSender{}
	require.NoError(t, ct.Dispatch(context.Background(), denied, "secret x"))
	assert.Equal(t, []string{defaultPermissionMessage}, denied.messages)

	allowed := &testSender{perms: map[string]bool{"scripts.secret": true}}
	require.NoError(t, ct.Dispatch(context.Background(), allowed, "secret x"))
	assert.Equal(t, []string{"x"}, allowed.messages)
}

func TestCommandUnregisterCleansEverything(t *testing.T) {
	ct := NewCommandTable(testLogger())
	cmd := echoCommand("echo", "say")
	_, err := ct.Register("alpha", cmd)
	require.NoError(t, err)
	require.NotEmpty(t, ct.Help())

	ct.Unregister(cmd)
	for _, label := range []string{"echo", "say", "alpha:echo"} {
		_, ok := ct.Lookup(label)
		assert.False(t, ok, "label %s still routed", label)
	}
	assert.Empty(t, ct.Help())
	assert.Empty(t, ct.Commands())

	other := echoCommand("echo")
	primary, err := ct.Register("beta", other)
	require.NoError(t, err)
	assert.True(t, primary, "freed label can be claimed by another owner")
}

func TestCommandUnregisterKeepsOtherOwnersLabels(t *testing.T) {
	ct := NewCommandTable(testLogger())
	a := echoCommand("echo")
	b := echoCommand("echo")
	_, err := ct.Register("alpha", a)
	require.NoError(t, err)
	_, err = ct.Register("beta", b)
	require.NoError(t, err)

	ct.Unregister(b)
	got, ok := ct.Lookup("echo")
	require.True(t, ok)
	assert.Same(t, a, got)

	var topics []string
	for _, h := range ct.Help() {
		topics = append(topics, h.Topic)
	}
	assert.Equal(t, []string{"/echo"}, topics)
}

func TestCommandHelpIncludesAliases(t *testing.T) {
	ct := NewCommandTable(testLogger())
	_, err := ct.Register("alpha", echoCommand("echo", "say", "tell"))
	require.NoError(t, err)

	help := ct.Help()
	require.Len(t, help, 3)
	assert.Equal(t, "/echo", help[0].Topic)
	assert.Equal(t, "Echo the arguments", help[0].Text)
	assert.Equal(t, "/say", help[1].Topic)
	assert.Equal(t, "Alias for /echo", help[1].Text)
	assert.Equal(t, "/tell", help[2].Topic)
}

func TestCommandComplete(t *testing.T) {
	ct := NewCommandTable(testLogger())
	cmd := echoCommand("echo", "eval")
	cmd.Complete = func(_ context.Context, _ Sender, _ string, args []string) []string {
		if args[len(args)-1] == "" {
			return []string{"one", "two"}
		}
		return nil
	}
	_, err := ct.Register("alpha", cmd)
	require.NoError(t, err)
	_, err = ct.Register("alpha", echoCommand("plain"))
	require.NoError(t, err)

	s := &testSender{}
	assert.Equal(t, []string{"echo", "eval"}, ct.Complete(context.Background(), s, "/e"))
	assert.Equal(t, []string{"one", "two"}, ct.Complete(context.Background(), s, "echo "))
	assert.Equal(t, []string{}, ct.Complete(context.Background(), s, "echo x"))
	assert.Equal(t, []string{}, ct.Complete(context.Background(), s, "plain x"))
	assert.Equal(t, []string{}, ct.Complete(context.Background(), s, "missing x"))
}

func TestCommandSync(t *testing.T) {
	ct := NewCommandTable(testLogger())
	var versions []uint64
	unsub := ct.OnSync(func(v uint64) { versions = append(versions, v) })

	ct.Sync()
	ct.Sync()
	unsub()
	ct.Sync()

	assert.Equal(t, []uint64{1, 2}, versions)
	assert.Equal(t, uint64(3), ct.Version())
}

func TestConsoleSender(t *testing.T) {
	s := NewConsoleSender("console", testLogger())
	assert.True(t, s.HasPermission("anything"))
	s.SendMessage("hi")
	assert.Equal(t, []string{"hi"}, s.Messages())
}

func TestPlaceholderExpand(t *testing.T) {
	pt := NewPlaceholderTable()
	greet := &Expansion{
		Identifier: "script:greeter",
		Resolve: func(_ context.Context, subject, params string) (string, bool) {
			if params == "unknown" {
				return "", false
			}
			return "hello " + subject + "/" + params, true
		},
	}
	require.True(t, pt.Register(greet))
	require.False(t, pt.Register(&Expansion{Identifier: "Script:Greeter"}), "identifier is case-insensitive")

	got := pt.Expand(context.Background(), "bob", "%script:greeter_name% and %script:greeter% and %script:greeter_unknown% and %other_x%")
	assert.Equal(t, "hello bob/name and hello bob/ and %script:greeter_unknown% and %other_x%", got)
}

func TestPlaceholderLongestPrefixWins(t *testing.T) {
	pt := NewPlaceholderTable()
	mk := func(id string) *Expansion {
		return &Expansion{Identifier: id, Resolve: func(_ context.Context, _, params string) (string, bool) {
			return id + "(" + params + ")", true
		}}
	}
	require.True(t, pt.Register(mk("script:a")))
	require.True(t, pt.Register(mk("script:a_b")))

	assert.Equal(t, "script:a_b(c)", pt.Expand(context.Background(), "", "%script:a_b_c%"))
	assert.Equal(t, "script:a(x)", pt.Expand(context.Background(), "", "%script:a_x%"))
	assert.Equal(t, "%script:ab%", pt.Expand(context.Background(), "", "%script:ab%"))
}

func TestPlaceholderUnregister(t *testing.T) {
	pt := NewPlaceholderTable()
	exp := &Expansion{Identifier: "script:x", Resolve: func(context.Context, string, string) (string, bool) { return "v", true }}
	require.True(t, pt.Register(exp))
	assert.Len(t, pt.Expansions(), 1)

	assert.False(t, pt.Unregister(&Expansion{Identifier: "script:x"}), "only the installed expansion is removed")
	assert.True(t, pt.Unregister(exp))
	assert.Empty(t, pt.Expansions())
	assert.Equal(t, "%script:x%", pt.Expand(context.Background(), "", "%script:x%"))
}
