//go:build !no_mqtt

package main

import (
	"context"
	"errors"
	"log/slog"

	mqttbridge "scripthost/internal/mqtt"

	"scripthost/internal/host"
	"scripthost/internal/lifecycle"
	"scripthost/internal/web"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// bridgePubSub exposes the bridge as the scripts' pub/sub facility.
type bridgePubSub struct {
	bridge *mqttbridge.Bridge
}

func (p bridgePubSub) Subscribe(filter string, h func(ctx context.Context, topic string, payload []byte)) (func() error, error) {
	id, err := p.bridge.Subscribe(filter, func(ctx context.Context, msg mqttbridge.Message) {
		h(ctx, msg.Topic, msg.Payload)
	})
	if err != nil {
		return nil, err
	}
	return func() error { return p.bridge.Unsubscribe(id) }, nil
}

func (p bridgePubSub) Publish(topic string, payload []byte) error {
	return p.bridge.Publish(topic, payload)
}

func initMQTT(cfg *Config, loop *host.Loop, logger *slog.Logger) (*mqttStopper, lifecycle.PubSub, []web.ServerOption) {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}, nil, nil
	}
	bridge, err := mqttbridge.NewBridge(mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, loop, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}, nil, nil
	}
	ready := web.WithReadinessCheck("mqtt", func() error {
		if !bridge.Connected() {
			return errors.New("mqtt disconnected")
		}
		return nil
	})
	return &mqttStopper{bridge: bridge}, bridgePubSub{bridge: bridge}, []web.ServerOption{ready}
}
