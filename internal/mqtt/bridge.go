//go:build !no_mqtt

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"scripthost/internal/host"
)

// ErrNotSubscribed is returned by Unsubscribe for unknown ids.
var ErrNotSubscribed = errors.New("not subscribed")

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Message is one delivery to a subscriber. Topic has the bridge prefix
// removed.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages on the coordinating loop.
type Handler func(ctx context.Context, msg Message)

// SubscriptionID identifies one subscriber.
type SubscriptionID uint64

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

type subscriber struct {
	filter  string
	handler Handler
}

// Bridge fans broker subscriptions out to script subscribers and publishes
// on their behalf.
type Bridge struct {
	client client
	prefix string
	loop   *host.Loop
	logger *slog.Logger

	mu      sync.Mutex
	nextID  SubscriptionID
	subs    map[SubscriptionID]*subscriber
	filters map[string]int // filter -> subscriber count
}

// NewBridge creates and connects an MQTT bridge. Deliveries are posted to
// loop.
func NewBridge(cfg Config, loop *host.Loop, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, cfg.TopicPrefix, loop, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "scripthost"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.Topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.Topic("bridge/state"), []byte("online"), true)
			b.resubscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(c client, prefix string, loop *host.Loop, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:  c,
		prefix:  strings.TrimSuffix(prefix, "/"),
		loop:    loop,
		logger:  logger.With("component", "mqtt"),
		subs:    make(map[SubscriptionID]*subscriber),
		filters: make(map[string]int),
	}
}

// Topic returns the broker topic for a script-relative topic.
func (b *Bridge) Topic(t string) string {
	if b.prefix == "" {
		return t
	}
	return b.prefix + "/" + t
}

func (b *Bridge) relative(t string) string {
	if b.prefix == "" {
		return t
	}
	return strings.TrimPrefix(t, b.prefix+"/")
}

// Subscribe registers h for filter (MQTT wildcards allowed). The broker
// subscription is made for the first subscriber of a filter.
func (b *Bridge) Subscribe(filter string, h Handler) (SubscriptionID, error) {
	if filter == "" || h == nil {
		return 0, fmt.Errorf("subscribe: empty filter or handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filters[filter] == 0 {
		if err := b.subscribeBroker(filter); err != nil {
			return 0, err
		}
	}
	b.filters[filter]++
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{filter: filter, handler: h}
	return id, nil
}

func (b *Bridge) subscribeBroker(filter string) error {
	token := b.client.Subscribe(b.Topic(filter), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.deliver(filter, msg)
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe removes a subscriber. The broker subscription is dropped with
// the last subscriber of its filter.
func (b *Bridge) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotSubscribed)
	}
	delete(b.subs, id)
	b.filters[s.filter]--
	if b.filters[s.filter] > 0 {
		return nil
	}
	delete(b.filters, s.filter)

	token := b.client.Unsubscribe(b.Topic(s.filter))
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt unsubscribe %s: timeout", s.filter)
	}
	return token.Error()
}

// Subscriptions returns the number of active subscribers.
func (b *Bridge) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bridge) resubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for filter := range b.filters {
		if err := b.subscribeBroker(filter); err != nil {
			b.logger.Warn("resubscribe", "filter", filter, "err", err)
		}
	}
}

func (b *Bridge) deliver(filter string, msg pahomqtt.Message) {
	b.mu.Lock()
	var handlers []Handler
	for _, s := range b.subs {
		if s.filter == filter {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	m := Message{Topic: b.relative(msg.Topic()), Payload: append([]byte(nil), msg.Payload()...)}
	for _, h := range handlers {
		h := h
		b.loop.Post(func(ctx context.Context) { h(ctx, m) })
	}
}

// Publish sends payload to topic (relative to the prefix). It does not wait
// for the broker.
func (b *Bridge) Publish(topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("publish: empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("publish %s: wildcards not allowed", topic)
	}
	b.publish(b.Topic(topic), payload, false)
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// Connected reports whether the broker connection is up.
func (b *Bridge) Connected() bool { return b.client.IsConnected() }

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.publish(b.Topic("bridge/state"), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}
