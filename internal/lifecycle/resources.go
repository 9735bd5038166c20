package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"scripthost/internal/fault"
	"scripthost/internal/host"
	"scripthost/internal/protocol"
	"scripthost/internal/registry"
)

// listener is one event handler installed on the event bus.
type listener struct {
	priority        host.Priority
	ignoreCancelled bool
	handler         host.Handler
	id              host.ListenerID
}

// subscription is one pub/sub handler.
type subscription struct {
	handler func(ctx context.Context, topic string, payload []byte)
	cancel  func() error
}

// initRegistries creates one registry per resource kind, each bound to the
// host facility the resource lives in. Teardown order is tasks first so no
// new work starts while the rest is removed.
func (m *Manager) initRegistries(logger *slog.Logger) {
	m.commandReg = registry.New[string, *host.Command]("command", registry.BinderFuncs[string, *host.Command]{
		BindFunc: func(e *registry.Entry[string, *host.Command]) error {
			primary, err := m.commands.Register(e.Owner, e.Value)
			if err != nil {
				return err
			}
			if !primary {
				m.logger.Warn("command label taken, using fallback",
					"script", e.Owner, "command", e.Key, "labels", e.Value.Labels())
			}
			return nil
		},
		UnbindFunc: func(e *registry.Entry[string, *host.Command]) error {
			m.commands.Unregister(e.Value)
			return nil
		},
		SyncFunc: m.commands.Sync,
	}, logger)

	m.listenerReg = registry.New[string, *listener]("listener", registry.BinderFuncs[string, *listener]{
		BindFunc: func(e *registry.Entry[string, *listener]) error {
			l := e.Value
			l.id = m.events.Register(e.Key, l.priority, l.ignoreCancelled, l.handler)
			return nil
		},
		UnbindFunc: func(e *registry.Entry[string, *listener]) error {
			if !m.events.Unregister(e.Value.id) {
				return fmt.Errorf("listener %d not on event bus", e.Value.id)
			}
			return nil
		},
	}, logger)

	m.placeholderReg = registry.New[string, *host.Expansion]("placeholder", registry.BinderFuncs[string, *host.Expansion]{
		BindFunc: func(e *registry.Entry[string, *host.Expansion]) error {
			if m.placeholders == nil {
				return errUnavailable(FacilityPlaceholders)
			}
			if !m.placeholders.Register(e.Value) {
				return fmt.Errorf("placeholder %s: %w", e.Key, registry.ErrAlreadyRegistered)
			}
			return nil
		},
		UnbindFunc: func(e *registry.Entry[string, *host.Expansion]) error {
			if !m.placeholders.Unregister(e.Value) {
				return fmt.Errorf("placeholder %s not installed", e.Key)
			}
			return nil
		},
	}, logger)

	m.hookReg = registry.New[string, *protocol.Hook]("packet_hook", registry.BinderFuncs[string, *protocol.Hook]{
		BindFunc: func(e *registry.Entry[string, *protocol.Hook]) error {
			if m.packets == nil {
				return errUnavailable(FacilityProtocol)
			}
			return m.packets.AddHook(e.Value)
		},
		UnbindFunc: func(e *registry.Entry[string, *protocol.Hook]) error {
			if !m.packets.RemoveHook(e.Value) {
				return fmt.Errorf("packet hook %s not installed", e.Key)
			}
			return nil
		},
	}, logger)

	m.subscriptionReg = registry.New[string, *subscription]("subscription", registry.BinderFuncs[string, *subscription]{
		BindFunc: func(e *registry.Entry[string, *subscription]) error {
			if m.pubsub == nil {
				return errUnavailable(FacilityPubSub)
			}
			cancel, err := m.pubsub.Subscribe(e.Key, e.Value.handler)
			if err != nil {
				return err
			}
			e.Value.cancel = cancel
			return nil
		},
		UnbindFunc: func(e *registry.Entry[string, *subscription]) error {
			if e.Value.cancel == nil {
				return nil
			}
			return e.Value.cancel()
		},
	}, logger)

	m.teardowns = []registry.Teardown{
		m.scheduler.Registry(),
		m.listenerReg,
		m.commandReg,
		m.hookReg,
		m.subscriptionReg,
		m.placeholderReg,
	}
	m.metrics.TrackResources("command", m.commandReg.Len)
	m.metrics.TrackResources("listener", m.listenerReg.Len)
	m.metrics.TrackResources("placeholder", m.placeholderReg.Len)
	m.metrics.TrackResources("packet_hook", m.hookReg.Len)
	m.metrics.TrackResources("subscription", m.subscriptionReg.Len)
}

func errUnavailable(facility string) error {
	return fmt.Errorf("%s: %w", facility, fault.ErrHostAPIUnavailable)
}
