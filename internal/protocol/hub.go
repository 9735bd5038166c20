package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"scripthost/internal/host"
)

var (
	// ErrNoLink is returned by Send when no link is attached.
	ErrNoLink = errors.New("no packet link")
	// ErrInvalidHook is returned for hooks without a type or function.
	ErrInvalidHook = errors.New("invalid hook")
)

// HookFunc handles a packet. Returning true cancels the packet. Async hooks
// cannot cancel.
type HookFunc func(ctx context.Context, p *Packet) bool

// Hook is one packet listener.
type Hook struct {
	Owner    string
	Type     string
	Priority host.Priority
	Async    bool
	Fn       HookFunc
}

// Link carries packets to the peer.
type Link interface {
	Send(ctx context.Context, p *Packet) error
}

// Hub routes inbound packets through hooks and sends outbound ones.
type Hub struct {
	loop     *host.Loop
	timeline *host.Timeline
	events   *host.EventBus
	logger   *slog.Logger

	mu    sync.RWMutex
	hooks map[string][]*Hook
	link  Link
}

// NewHub creates a hub. Sync hooks run on loop, async hooks on timeline's
// pool. Uncancelled packets are re-emitted on events.
func NewHub(loop *host.Loop, tl *host.Timeline, events *host.EventBus, logger *slog.Logger) *Hub {
	return &Hub{
		loop:     loop,
		timeline: tl,
		events:   events,
		logger:   logger.With("component", "protocol"),
		hooks:    make(map[string][]*Hook),
	}
}

// SetLink attaches the link used by Send.
func (h *Hub) SetLink(l Link) {
	h.mu.Lock()
	h.link = l
	h.mu.Unlock()
}

// AddHook installs hk. Hooks of the same priority run in installation order.
func (h *Hub) AddHook(hk *Hook) error {
	if hk == nil || hk.Fn == nil || !validType(hk.Type) {
		return ErrInvalidHook
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.hooks[hk.Type], hk)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	h.hooks[hk.Type] = list
	return nil
}

// RemoveHook uninstalls hk. It reports whether hk was installed.
func (h *Hub) RemoveHook(hk *Hook) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.hooks[hk.Type]
	for i, x := range list {
		if x == hk {
			h.hooks[hk.Type] = append(list[:i:i], list[i+1:]...)
			if len(h.hooks[hk.Type]) == 0 {
				delete(h.hooks, hk.Type)
			}
			return true
		}
	}
	return false
}

// HookCount returns the number of hooks for packetType.
func (h *Hub) HookCount(packetType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks[packetType])
}

func (h *Hub) snapshot(packetType string) []*Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Hook(nil), h.hooks[packetType]...)
}

// Receive queues an inbound packet for dispatch on the loop.
func (h *Hub) Receive(p *Packet) {
	p.Inbound = true
	h.loop.Post(func(ctx context.Context) { h.dispatch(ctx, p) })
}

// dispatch must run on the loop.
func (h *Hub) dispatch(ctx context.Context, p *Packet) bool {
	hooks := h.snapshot(p.Type)

	for _, hk := range hooks {
		if hk.Async {
			continue
		}
		if h.call(ctx, hk, p) {
			h.logger.Debug("packet cancelled", "type", p.Type, "owner", hk.Owner)
			return false
		}
	}

	for _, hk := range hooks {
		if !hk.Async {
			continue
		}
		hk := hk
		cp := &Packet{Type: p.Type, Payload: append([]byte(nil), p.Payload...), Inbound: p.Inbound}
		h.timeline.Submit(host.Async, 0, 0, func(ctx context.Context) { h.call(ctx, hk, cp) })
	}

	h.events.Emit(ctx, &host.Event{
		Type: host.EventPacketReceived,
		Data: map[string]any{"type": p.Type, "payload": string(p.Payload)},
	})
	return true
}

func (h *Hub) call(ctx context.Context, hk *Hook, p *Packet) (cancelled bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panic", "type", p.Type, "owner", hk.Owner, "panic", r)
			cancelled = false
		}
	}()
	return hk.Fn(ctx, p)
}

// Send writes an outbound packet to the link.
func (h *Hub) Send(ctx context.Context, packetType string, payload []byte) error {
	h.mu.RLock()
	link := h.link
	h.mu.RUnlock()
	if link == nil {
		return ErrNoLink
	}

	p := &Packet{Type: packetType, Payload: payload}
	if err := link.Send(ctx, p); err != nil {
		return fmt.Errorf("send %s: %w", packetType, err)
	}
	h.loop.Post(func(ctx context.Context) {
		h.events.Emit(ctx, &host.Event{
			Type: host.EventPacketSent,
			Data: map[string]any{"type": packetType, "payload": string(payload)},
		})
	})
	return nil
}
