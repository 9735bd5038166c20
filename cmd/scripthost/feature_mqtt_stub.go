//go:build no_mqtt

package main

import (
	"log/slog"

	"scripthost/internal/host"
	"scripthost/internal/lifecycle"
	"scripthost/internal/web"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *Config, _ *host.Loop, _ *slog.Logger) (*mqttStopper, lifecycle.PubSub, []web.ServerOption) {
	return &mqttStopper{}, nil, nil
}
