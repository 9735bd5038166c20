// Package scheduler runs script callables now, later or repeatedly on
// behalf of their owning script.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scripthost/internal/fault"
	"scripthost/internal/host"
	"scripthost/internal/metrics"
	"scripthost/internal/registry"
)

// ErrInvalidOptions is returned for negative delays or intervals.
var ErrInvalidOptions = errors.New("invalid task options")

// Options selects when and where a task runs. Interval > 0 makes the task
// repeating.
type Options struct {
	Mode     host.Mode
	Delay    time.Duration
	Interval time.Duration
}

// Task is one scheduled submission.
type Task struct {
	ID       int64
	Owner    string
	Callable string
	Options  Options
	Created  time.Time

	runs atomic.Int64

	mu        sync.Mutex
	timer     *host.Timer
	cancelled bool
}

// Runs returns how many times the task has fired.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Repeating reports whether the task fires more than once.
func (t *Task) Repeating() bool { return t.Options.Interval > 0 }

func (t *Task) setTimer(timer *host.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = timer
	if t.cancelled {
		timer.Stop()
	}
}

func (t *Task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Info is the JSON view of a task.
type Info struct {
	ID       int64     `json:"id"`
	Owner    string    `json:"owner"`
	Callable string    `json:"callable"`
	Mode     host.Mode `json:"mode"`
	DelayMS  int64     `json:"delay_ms"`
	Interval int64     `json:"interval_ms,omitempty"`
	Runs     int64     `json:"runs"`
	Created  time.Time `json:"created"`
}

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	return Info{
		ID:       t.ID,
		Owner:    t.Owner,
		Callable: t.Callable,
		Mode:     t.Options.Mode,
		DelayMS:  t.Options.Delay.Milliseconds(),
		Interval: t.Options.Interval.Milliseconds(),
		Runs:     t.Runs(),
		Created:  t.Created,
	}
}

// Scheduler tracks every pending task per owner.
type Scheduler struct {
	timeline *host.Timeline
	router   *fault.Router
	metrics  *metrics.Metrics
	logger   *slog.Logger

	nextID atomic.Int64
	tasks  *registry.Registry[int64, *Task]
}

// New creates a scheduler that submits work to tl and routes failures
// through router. m may be nil.
func New(tl *host.Timeline, router *fault.Router, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		timeline: tl,
		router:   router,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
	}
	s.tasks = registry.New[int64, *Task]("task", registry.BinderFuncs[int64, *Task]{
		UnbindFunc: func(e *registry.Entry[int64, *Task]) error {
			e.Value.stop()
			return nil
		},
	}, logger)
	m.TrackResources("task", s.tasks.Len)
	return s
}

// Schedule registers fn for owner and submits it. Surplus args beyond the
// callable's arity are dropped. The returned id can be passed to Cancel.
func (s *Scheduler) Schedule(owner fault.Owner, fn fault.Callable, opts Options, args ...any) (int64, error) {
	if opts.Delay < 0 || opts.Interval < 0 {
		return 0, fmt.Errorf("delay %s interval %s: %w", opts.Delay, opts.Interval, ErrInvalidOptions)
	}

	id := s.nextID.Add(1)
	t := &Task{
		ID:       id,
		Owner:    owner.Name(),
		Callable: fn.String(),
		Options:  opts,
		Created:  time.Now(),
	}
	entry, err := s.tasks.Register(owner.Name(), id, t)
	if err != nil {
		return 0, err
	}

	args = fault.TrimArgs(fn, args)
	what := fmt.Sprintf("executing task #%d", id)
	mode := opts.Mode.String()

	timer := s.timeline.Submit(opts.Mode, opts.Delay, opts.Interval, func(ctx context.Context) {
		if !t.Repeating() {
			defer func() { _ = s.tasks.Unregister(entry.ID) }()
		}
		_, ok := s.router.Invoke(owner, what, fn, args...)
		t.runs.Add(1)
		s.metrics.TaskRun(mode, ok)
	})
	t.setTimer(timer)
	return id, nil
}

func (s *Scheduler) find(id int64) (*registry.Entry[int64, *Task], bool) {
	entries := s.tasks.FindKey(id)
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0], true
}

// Cancel stops future firings of the task. It reports false if the task
// already finished or was cancelled.
func (s *Scheduler) Cancel(id int64) bool {
	e, ok := s.find(id)
	if !ok {
		return false
	}
	return s.tasks.Unregister(e.ID) == nil
}

// CancelOwned cancels id only if it belongs to owner.
func (s *Scheduler) CancelOwned(owner string, id int64) bool {
	return s.tasks.UnregisterKey(owner, id) == nil
}

// CancelAll cancels every task of owner.
func (s *Scheduler) CancelAll(owner string) error {
	return s.tasks.UnregisterAll(owner)
}

// Get returns a pending task.
func (s *Scheduler) Get(id int64) (*Task, bool) {
	e, ok := s.find(id)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// List returns owner's pending tasks, oldest first.
func (s *Scheduler) List(owner string) []*Task {
	entries := s.tasks.List(owner)
	out := make([]*Task, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// All returns every pending task, oldest first.
func (s *Scheduler) All() []*Task {
	entries := s.tasks.All()
	out := make([]*Task, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Registry exposes the task registry for owner teardown.
func (s *Scheduler) Registry() registry.Teardown { return s.tasks }
