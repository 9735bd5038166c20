//go:build !no_protocol

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"scripthost/internal/host"
	"scripthost/internal/lifecycle"
	"scripthost/internal/protocol"
	"scripthost/internal/web"
)

type protocolStopper struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *protocolStopper) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func initProtocol(ctx context.Context, cfg *Config, loop *host.Loop, tl *host.Timeline, events *host.EventBus, logger *slog.Logger) (*protocolStopper, lifecycle.Packets, []web.ServerOption) {
	if cfg.Protocol.Port == "" {
		return &protocolStopper{}, nil, nil
	}
	hub := protocol.NewHub(loop, tl, events, logger)
	link := protocol.NewSerialLink(protocol.OpenSerial(protocol.SerialConfig{
		Port: cfg.Protocol.Port,
		Baud: cfg.Protocol.Baud,
	}), hub, logger)
	hub.SetLink(link)

	runCtx, cancel := context.WithCancel(ctx)
	p := &protocolStopper{cancel: cancel}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := link.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("serial link", "err", err)
		}
	}()

	ready := web.WithReadinessCheck("serial", func() error {
		if !link.Connected() {
			return protocol.ErrNotConnected
		}
		return nil
	})
	return p, hub, []web.ServerOption{ready}
}
