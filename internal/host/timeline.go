package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Mode selects where scheduled work runs.
type Mode int

const (
	// Sync work runs on the coordinating loop.
	Sync Mode = iota
	// Async work runs on the worker pool.
	Async
)

func (m Mode) String() string {
	switch m {
	case Sync:
		return "sync"
	case Async:
		return "async"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Timer is a cancellable submission on the Timeline.
type Timer struct {
	stop     chan struct{}
	stopOnce sync.Once
}

// Stop prevents future firings. A firing already in progress is not
// interrupted.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Stopped reports whether Stop has been called.
func (t *Timer) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Timeline submits work now, after a delay or repeatedly, on either the
// coordinating loop or a goroutine pool.
type Timeline struct {
	loop   *Loop
	pool   *ants.Pool
	logger *slog.Logger
}

// NewTimeline creates a timeline. poolSize <= 0 gives an unbounded pool.
func NewTimeline(loop *Loop, poolSize int, logger *slog.Logger) (*Timeline, error) {
	logger = logger.With("component", "timeline")
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(p any) {
		logger.Error("worker panic", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Timeline{loop: loop, pool: pool, logger: logger}, nil
}

// Submit runs fn according to mode. With delay 0 the first firing is
// immediate; with interval > 0 fn keeps firing every interval until the
// returned Timer is stopped.
func (tl *Timeline) Submit(mode Mode, delay, interval time.Duration, fn Task) *Timer {
	t := &Timer{stop: make(chan struct{})}

	if delay <= 0 && interval <= 0 {
		tl.dispatch(mode, t, fn)
		return t
	}

	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-t.stop:
				timer.Stop()
				return
			}
		}
		tl.dispatch(mode, t, fn)
		if interval <= 0 {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tl.dispatch(mode, t, fn)
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

func (tl *Timeline) dispatch(mode Mode, t *Timer, fn Task) {
	if t.Stopped() {
		return
	}
	switch mode {
	case Async:
		work := func() {
			if !t.Stopped() {
				fn(context.Background())
			}
		}
		if tl.pool.Cap() < 0 {
			tl.submit(work)
			return
		}
		// Submit blocks while a bounded pool is full, and the caller may
		// hold the VM lock that the busy workers are waiting on.
		go tl.submit(work)
	default:
		tl.loop.Post(func(ctx context.Context) {
			if !t.Stopped() {
				fn(ctx)
			}
		})
	}
}

func (tl *Timeline) submit(work func()) {
	if err := tl.pool.Submit(work); err != nil {
		tl.logger.Error("submit async work", "err", err)
	}
}

// Running returns the number of busy workers.
func (tl *Timeline) Running() int { return tl.pool.Running() }

// Close releases the worker pool.
func (tl *Timeline) Close() {
	tl.pool.Release()
}
