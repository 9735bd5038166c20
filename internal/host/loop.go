// Package host provides the in-process facilities scripts extend: the
// coordinating loop, the timeline used for scheduling, the event bus, the
// command table and the placeholder table.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// ErrLoopStopped is returned by Call after the loop has been stopped.
var ErrLoopStopped = errors.New("loop stopped")

// Task is work run on the coordinating loop. The context it receives is
// marked as being on the loop.
type Task func(ctx context.Context)

type onLoopKey struct{}

// OnLoop reports whether ctx was handed out by the coordinating loop.
func OnLoop(ctx context.Context) bool {
	v, _ := ctx.Value(onLoopKey{}).(bool)
	return v
}

type job struct {
	task Task
	done chan error
}

// Loop is the single coordinating goroutine. Script lifecycle operations and
// synchronous tasks all run here, one at a time, in submission order.
type Loop struct {
	q      *queue.Queue
	logger *slog.Logger

	ctx      context.Context
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop(logger *slog.Logger) *Loop {
	return &Loop{
		q:       queue.New(64),
		logger:  logger.With("component", "loop"),
		stopped: make(chan struct{}),
	}
}

// Run processes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	l.ctx = context.WithValue(ctx, onLoopKey{}, true)

	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.stopped:
		}
	}()

	for {
		items, err := l.q.Get(1)
		if err != nil {
			return
		}
		for _, it := range items {
			l.run(it.(*job))
		}
	}
}

func (l *Loop) run(j *job) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("loop task panic", "panic", r)
				err = fmt.Errorf("loop task panic: %v", r)
			}
		}()
		j.task(l.ctx)
	}()
	if j.done != nil {
		j.done <- err
	}
}

// Post queues task without waiting. Tasks posted after Stop are dropped.
func (l *Loop) Post(task Task) {
	if err := l.q.Put(&job{task: task}); err != nil {
		l.logger.Debug("task dropped", "err", err)
	}
}

// Call runs fn on the loop and waits for it to finish. When ctx is already
// on the loop fn runs inline.
func (l *Loop) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if OnLoop(ctx) {
		return fn(ctx)
	}

	var result error
	j := &job{
		task: func(ctx context.Context) { result = fn(ctx) },
		done: make(chan error, 1),
	}
	if err := l.q.Put(j); err != nil {
		return ErrLoopStopped
	}
	select {
	case err := <-j.done:
		if err != nil {
			return err
		}
		return result
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	return int(l.q.Len())
}

// Stop discards queued tasks and ends Run. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		if dropped := l.q.Dispose(); len(dropped) > 0 {
			l.logger.Warn("loop stopped with pending tasks", "dropped", len(dropped))
		}
	})
}

// Stopped is closed once Stop has been called.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }
