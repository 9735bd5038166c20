package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
)

// ErrNotConnected is returned by Send while the port is down.
var ErrNotConnected = errors.New("serial link not connected")

// maxFrame bounds one inbound line.
const maxFrame = 64 * 1024

// SerialConfig selects the port.
type SerialConfig struct {
	Port string
	Baud int
}

// Opener opens the underlying byte stream.
type Opener func() (io.ReadWriteCloser, error)

// OpenSerial returns an Opener for a real serial port.
func OpenSerial(cfg SerialConfig) Opener {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
}

// SerialLink reads line frames into a Hub and writes outbound frames. It
// reconnects with exponential backoff when the port drops.
type SerialLink struct {
	open   Opener
	hub    *Hub
	logger *slog.Logger

	// newBackOff is replaced in tests.
	newBackOff func() backoff.BackOff

	writeMu sync.Mutex
	mu      sync.Mutex
	port    io.ReadWriteCloser
}

// NewSerialLink creates a link feeding hub. Call Run to connect.
func NewSerialLink(open Opener, hub *Hub, logger *slog.Logger) *SerialLink {
	return &SerialLink{
		open:   open,
		hub:    hub,
		logger: logger.With("component", "serial"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run connects and reads until ctx is done.
func (l *SerialLink) Run(ctx context.Context) error {
	for {
		port, err := l.connect(ctx)
		if err != nil {
			return err
		}
		l.setPort(port)
		l.logger.Info("serial link connected")

		err = l.readLoop(ctx, port)
		l.setPort(nil)
		port.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("serial link lost, reconnecting", "err", err)
	}
}

func (l *SerialLink) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	var port io.ReadWriteCloser
	op := func() error {
		p, err := l.open()
		if err != nil {
			l.logger.Debug("serial open failed", "err", err)
			return err
		}
		port = p
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(l.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("serial connect: %w", err)
	}
	return port, nil
}

func (l *SerialLink) readLoop(ctx context.Context, port io.Reader) error {
	// Closing the port unblocks the scanner when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		if c, ok := port.(io.Closer); ok {
			c.Close()
		}
	})
	defer stop()

	sc := bufio.NewScanner(port)
	sc.Buffer(make([]byte, 4096), maxFrame)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		p, err := Decode(line)
		if err != nil {
			l.logger.Warn("drop frame", "err", err)
			continue
		}
		l.hub.Receive(p)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *SerialLink) setPort(p io.ReadWriteCloser) {
	l.mu.Lock()
	l.port = p
	l.mu.Unlock()
}

// Connected reports whether the port is open.
func (l *SerialLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Send writes p as one frame.
func (l *SerialLink) Send(_ context.Context, p *Packet) error {
	frame, err := Encode(nil, p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}
