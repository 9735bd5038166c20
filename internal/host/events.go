package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"scripthost/internal/metrics"
)

// Event types emitted by the host itself.
const (
	EventScriptLoad     = "script_load"
	EventScriptUnload   = "script_unload"
	EventCommandsSynced = "commands_synced"
	EventPacketReceived = "packet_received"
	EventPacketSent     = "packet_sent"
)

// Priority orders listeners for one event. Lower priorities run first and
// Monitor runs last.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
	PriorityMonitor
)

var priorityNames = []string{"lowest", "low", "normal", "high", "highest", "monitor"}

func (p Priority) String() string {
	if p >= 0 && int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses a priority name. The empty string is PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Event is a host event. Cancellable events can be cancelled by listeners
// below PriorityMonitor.
type Event struct {
	Type        string         `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	Cancellable bool           `json:"cancellable,omitempty"`
	cancelled   bool
}

// Cancel marks a cancellable event as cancelled.
func (e *Event) Cancel() {
	if e.Cancellable {
		e.cancelled = true
	}
}

// Cancelled reports whether a listener cancelled the event.
func (e *Event) Cancelled() bool { return e.cancelled }

// Handler receives events.
type Handler func(ctx context.Context, e *Event)

// ListenerID identifies a registration on the EventBus.
type ListenerID uint64

type listener struct {
	id              ListenerID
	kind            string
	priority        Priority
	ignoreCancelled bool
	handler         Handler
}

// EventBus dispatches host events to listeners by type and priority.
type EventBus struct {
	mu          sync.RWMutex
	listeners   map[string][]*listener
	byID        map[ListenerID]*listener
	allHandlers map[uint64]func(Event)
	nextID      uint64
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewEventBus creates a new event bus. m may be nil.
func NewEventBus(logger *slog.Logger, m *metrics.Metrics) *EventBus {
	return &EventBus{
		listeners:   make(map[string][]*listener),
		byID:        make(map[ListenerID]*listener),
		allHandlers: make(map[uint64]func(Event)),
		logger:      logger.With("component", "events"),
		metrics:     m,
	}
}

// Register adds a listener for kind. Listeners with ignoreCancelled set are
// skipped once the event has been cancelled.
func (eb *EventBus) Register(kind string, priority Priority, ignoreCancelled bool, h Handler) ListenerID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	l := &listener{
		id:              ListenerID(eb.nextID),
		kind:            kind,
		priority:        priority,
		ignoreCancelled: ignoreCancelled,
		handler:         h,
	}
	list := append(eb.listeners[kind], l)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	eb.listeners[kind] = list
	eb.byID[l.id] = l
	return l.id
}

// Unregister removes a listener. It reports whether the listener existed.
func (eb *EventBus) Unregister(id ListenerID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	l, ok := eb.byID[id]
	if !ok {
		return false
	}
	delete(eb.byID, id)
	list := eb.listeners[l.kind]
	for i, cur := range list {
		if cur.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(eb.listeners, l.kind)
	} else {
		eb.listeners[l.kind] = list
	}
	return true
}

// OnAll registers an observer that receives a copy of every event after
// dispatch. Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler func(Event)) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit dispatches e to its listeners in priority order and returns whether
// it ended up cancelled. A panicking handler is recovered.
func (eb *EventBus) Emit(ctx context.Context, e *Event) bool {
	eb.mu.RLock()
	list := make([]*listener, len(eb.listeners[e.Type]))
	copy(list, eb.listeners[e.Type])
	observers := make([]func(Event), 0, len(eb.allHandlers))
	for _, h := range eb.allHandlers {
		observers = append(observers, h)
	}
	eb.mu.RUnlock()

	eb.metrics.Event(e.Type)

	for _, l := range list {
		if e.cancelled && l.ignoreCancelled {
			continue
		}
		wasCancelled := e.cancelled
		eb.call(func() { l.handler(ctx, e) }, e.Type)
		if l.priority == PriorityMonitor {
			e.cancelled = wasCancelled
		}
	}

	snapshot := *e
	for _, h := range observers {
		eb.call(func() { h(snapshot) }, e.Type)
	}
	return e.cancelled
}

func (eb *EventBus) call(fn func(), kind string) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", kind, "panic", r)
		}
	}()
	fn()
}

// Count returns the number of listeners registered for kind.
func (eb *EventBus) Count(kind string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.listeners[kind])
}
