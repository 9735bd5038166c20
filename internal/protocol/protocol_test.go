package protocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/internal/host"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		packet  Packet
		want    string
		wantErr bool
	}{
		{name: "with payload", packet: Packet{Type: "CHAT", Payload: []byte("hello world")}, want: "CHAT hello world\n"},
		{name: "empty payload", packet: Packet{Type: "PING"}, want: "PING\n"},
		{name: "empty type", packet: Packet{Payload: []byte("x")}, wantErr: true},
		{name: "space in type", packet: Packet{Type: "A B"}, wantErr: true},
		{name: "newline in payload", packet: Packet{Type: "A", Payload: []byte("x\ny")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(nil, &tt.packet)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	p, err := Decode([]byte("CHAT hello world\r"))
	require.NoError(t, err)
	assert.Equal(t, "CHAT", p.Type)
	assert.Equal(t, "hello world", string(p.Payload))
	assert.True(t, p.Inbound)

	_, err = Decode([]byte(" leading"))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

type hubFixture struct {
	hub    *Hub
	loop   *host.Loop
	events *host.EventBus
}

func newHub(t *testing.T) *hubFixture {
	t.Helper()
	loop := host.NewLoop(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	tl, err := host.NewTimeline(loop, 2, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		tl.Close()
		cancel()
		<-done
	})
	events := host.NewEventBus(testLogger(), nil)
	return &hubFixture{hub: NewHub(loop, tl, events, testLogger()), loop: loop, events: events}
}

// flush waits until everything posted so far has run.
func (f *hubFixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.Call(context.Background(), func(context.Context) error { return nil }))
}

func TestHubHookOrderAndCancel(t *testing.T) {
	f := newHub(t)

	var mu sync.Mutex
	var order []string
	record := func(name string, cancel bool) HookFunc {
		return func(ctx context.Context, p *Packet) bool {
			assert.True(t, host.OnLoop(ctx))
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return cancel && string(p.Payload) == "drop"
		}
	}
	require.NoError(t, f.hub.AddHook(&Hook{Owner: "a", Type: "CHAT", Priority: host.PriorityHigh, Fn: record("high", false)}))
	require.NoError(t, f.hub.AddHook(&Hook{Owner: "b", Type: "CHAT", Priority: host.PriorityLow, Fn: record("low", true)}))

	var received atomic.Int32
	f.events.Register(host.EventPacketReceived, host.PriorityMonitor, false, func(_ context.Context, e *host.Event) {
		received.Add(1)
		assert.Equal(t, "CHAT", e.Data["type"])
	})

	f.hub.Receive(&Packet{Type: "CHAT", Payload: []byte("keep")})
	f.hub.Receive(&Packet{Type: "CHAT", Payload: []byte("drop")})
	f.flush(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"low", "high", "low"}, order, "cancelled packet stops at the cancelling hook")
	assert.Equal(t, int32(1), received.Load())
}

func TestHubAsyncHooksAndPanics(t *testing.T) {
	f := newHub(t)

	got := make(chan bool, 1)
	require.NoError(t, f.hub.AddHook(&Hook{Owner: "a", Type: "X", Fn: func(context.Context, *Packet) bool { panic("bad hook") }}))
	require.NoError(t, f.hub.AddHook(&Hook{Owner: "a", Type: "X", Async: true, Fn: func(ctx context.Context, p *Packet) bool {
		got <- host.OnLoop(ctx)
		return true
	}}))

	f.hub.Receive(&Packet{Type: "X"})
	select {
	case onLoop := <-got:
		assert.False(t, onLoop)
	case <-time.After(time.Second):
		t.Fatal("async hook did not run")
	}
}

func TestHubRemoveHook(t *testing.T) {
	f := newHub(t)

	hk := &Hook{Owner: "a", Type: "X", Fn: func(context.Context, *Packet) bool { return false }}
	require.NoError(t, f.hub.AddHook(hk))
	assert.Equal(t, 1, f.hub.HookCount("X"))
	assert.True(t, f.hub.RemoveHook(hk))
	assert.False(t, f.hub.RemoveHook(hk))
	assert.Equal(t, 0, f.hub.HookCount("X"))

	assert.ErrorIs(t, f.hub.AddHook(&Hook{Type: "X"}), ErrInvalidHook)
	assert.ErrorIs(t, f.hub.AddHook(&Hook{Type: "", Fn: hk.Fn}), ErrInvalidHook)
}

type fakeLink struct {
	mu   sync.Mutex
	sent []*Packet
	err  error
}

func (l *fakeLink) Send(_ context.Context, p *Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, p)
	return nil
}

func TestHubSend(t *testing.T) {
	f := newHub(t)

	assert.ErrorIs(t, f.hub.Send(context.Background(), "X", nil), ErrNoLink)

	link := &fakeLink{}
	f.hub.SetLink(link)

	var sent atomic.Int32
	f.events.Register(host.EventPacketSent, host.PriorityNormal, false, func(context.Context, *host.Event) { sent.Add(1) })

	require.NoError(t, f.hub.Send(context.Background(), "CHAT", []byte("hi")))
	f.flush(t)
	require.Len(t, link.sent, 1)
	assert.Equal(t, "CHAT", link.sent[0].Type)
	assert.Equal(t, int32(1), sent.Load())

	link.err = errors.New("wire down")
	assert.Error(t, f.hub.Send(context.Background(), "CHAT", nil))
}

func TestSerialLinkReadsAndWrites(t *testing.T) {
	f := newHub(t)

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	link := NewSerialLink(func() (io.ReadWriteCloser, error) { return local, nil }, f.hub, testLogger())
	f.hub.SetLink(link)

	got := make(chan string, 1)
	require.NoError(t, f.hub.AddHook(&Hook{Owner: "a", Type: "PING", Fn: func(_ context.Context, p *Packet) bool {
		got <- string(p.Payload)
		return false
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx) }()

	_, err := remote.Write([]byte("PING 42\n"))
	require.NoError(t, err)
	select {
	case payload := <-got:
		assert.Equal(t, "42", payload)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)
	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(remote).ReadString('\n')
		lines <- line
	}()
	require.NoError(t, f.hub.Send(context.Background(), "PONG", []byte("42")))
	assert.Equal(t, "PONG 42\n", <-lines)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, link.Connected())
	assert.ErrorIs(t, link.Send(context.Background(), &Packet{Type: "X"}), ErrNotConnected)
}

func TestSerialLinkRetriesOpen(t *testing.T) {
	f := newHub(t)

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	var attempts atomic.Int32
	link := NewSerialLink(func() (io.ReadWriteCloser, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("no such port")
		}
		return local, nil
	}, f.hub, testLogger())
	link.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()

	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSerialLinkConnectCancelled(t *testing.T) {
	f := newHub(t)
	link := NewSerialLink(func() (io.ReadWriteCloser, error) { return nil, errors.New("absent") }, f.hub, testLogger())
	link.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := link.Run(ctx)
	assert.Error(t, err)
}
