//go:build no_protocol

package main

import (
	"context"
	"log/slog"

	"scripthost/internal/host"
	"scripthost/internal/lifecycle"
	"scripthost/internal/web"
)

type protocolStopper struct{}

func (p *protocolStopper) Stop() {}

func initProtocol(_ context.Context, _ *Config, _ *host.Loop, _ *host.Timeline, _ *host.EventBus, _ *slog.Logger) (*protocolStopper, lifecycle.Packets, []web.ServerOption) {
	return &protocolStopper{}, nil, nil
}
