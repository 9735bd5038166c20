// Package fault contains failures raised by script code.
//
// Every call from host code into script code goes through a Router. A
// fault is logged against the owning script, counted and handed to
// subscribers, and the caller receives a plain failure flag instead.
package fault

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scripthost/internal/metrics"
)

var (
	// ErrScriptFault is matched by every *Fault.
	ErrScriptFault = errors.New("script fault")
	// ErrHostAPIUnavailable is returned when a script uses an optional host
	// facility that is not configured.
	ErrHostAPIUnavailable = errors.New("host api unavailable")
)

// Callable is a function supplied by a script.
type Callable interface {
	Invoke(args ...any) (any, error)
	// Arity is the number of declared parameters, or -1 if the callable
	// accepts any number of arguments.
	Arity() int
	String() string
}

// Owner identifies the script a callable belongs to.
type Owner interface {
	Name() string
	Logger() *slog.Logger
}

// Fault describes one contained failure.
type Fault struct {
	Script  string    `json:"script"`
	Context string    `json:"context"`
	Err     error     `json:"-"`
	Message string    `json:"error"`
	Panic   bool      `json:"panic,omitempty"`
	Time    time.Time `json:"time"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("script %s: %s: %v", f.Script, f.Context, f.Err)
}

func (f *Fault) Unwrap() []error { return []error{ErrScriptFault, f.Err} }

// TrimArgs drops trailing arguments the callable does not declare.
func TrimArgs(fn Callable, args []any) []any {
	n := fn.Arity()
	if n < 0 || len(args) <= n {
		return args
	}
	return args[:n]
}

// Option configures a Router.
type Option func(*Router)

// WithQuietErrors makes the router log faults matching any of errs at debug
// level without counting or publishing them. Used for calls that race with a
// script being unloaded.
func WithQuietErrors(errs ...error) Option {
	return func(r *Router) {
		r.quiet = append(r.quiet, errs...)
	}
}

// Router is the boundary between host code and script code.
type Router struct {
	metrics *metrics.Metrics
	quiet   []error

	mu     sync.RWMutex
	hooks  map[uint64]func(*Fault)
	nextID uint64
}

// NewRouter creates a router. m may be nil.
func NewRouter(m *metrics.Metrics, opts ...Option) *Router {
	r := &Router{
		metrics: m,
		hooks:   make(map[uint64]func(*Fault)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnFault registers fn to be called for every routed fault.
// Returns an unsubscribe function.
func (r *Router) OnFault(fn func(*Fault)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.hooks[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.hooks, id)
	}
}

// Invoke calls fn with args on behalf of owner. what describes the call
// site, e.g. "executing command 'greet'". On failure the fault is routed and
// Invoke returns nil, false.
func (r *Router) Invoke(owner Owner, what string, fn Callable, args ...any) (any, bool) {
	var result any
	err := r.Guard(owner, what, func() error {
		var err error
		result, err = fn.Invoke(args...)
		return err
	})
	if err != nil {
		return nil, false
	}
	return result, true
}

// Guard runs work and routes any error or panic it produces. The returned
// error is a *Fault or nil.
func (r *Router) Guard(owner Owner, what string, work func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = r.route(owner, what, fmt.Errorf("panic: %v", p), true)
		}
	}()
	if werr := work(); werr != nil {
		return r.route(owner, what, werr, false)
	}
	return nil
}

func (r *Router) route(owner Owner, what string, err error, panicked bool) *Fault {
	f := &Fault{
		Script:  owner.Name(),
		Context: what,
		Err:     err,
		Message: err.Error(),
		Panic:   panicked,
		Time:    time.Now(),
	}

	for _, q := range r.quiet {
		if errors.Is(err, q) {
			owner.Logger().Debug("call skipped", "context", what, "err", err)
			return f
		}
	}

	owner.Logger().Error("error when "+what, "err", err, "panic", panicked)
	r.metrics.Fault(f.Script)

	r.mu.RLock()
	hooks := make([]func(*Fault), 0, len(r.hooks))
	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}
	r.mu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					owner.Logger().Error("fault hook panic", "panic", p)
				}
			}()
			h(f)
		}()
	}
	return f
}
