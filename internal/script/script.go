// Package script describes script units and reads them from disk.
package script

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scripthost/internal/luavm"
)

// State is a script's lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result classifies the outcome of a lifecycle operation.
type Result int

const (
	ResultSuccess Result = iota
	ResultAlreadyRunning
	ResultFault
	ResultNotFound
	ResultDisabled
	ResultMissingDependency
	ResultNotLoaded
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultAlreadyRunning:
		return "already_running"
	case ResultFault:
		return "fault"
	case ResultNotFound:
		return "not_found"
	case ResultDisabled:
		return "disabled"
	case ResultMissingDependency:
		return "missing_dependency"
	case ResultNotLoaded:
		return "not_loaded"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Message renders a result for people.
func (r Result) Message(name string) string {
	switch r {
	case ResultSuccess:
		return fmt.Sprintf("Script %s succeeded.", name)
	case ResultAlreadyRunning:
		return fmt.Sprintf("Script %s is already running.", name)
	case ResultFault:
		return fmt.Sprintf("Script %s raised an error. Check the log for details.", name)
	case ResultNotFound:
		return fmt.Sprintf("No script found with the name %s.", name)
	case ResultDisabled:
		return fmt.Sprintf("Script %s is disabled in its options.", name)
	case ResultMissingDependency:
		return fmt.Sprintf("Script %s has a dependency that is missing or not running.", name)
	case ResultNotLoaded:
		return fmt.Sprintf("Script %s is not loaded.", name)
	default:
		return r.String()
	}
}

// Options are the per-script settings from the options file.
type Options struct {
	Enabled  *bool          `yaml:"enabled" json:"enabled,omitempty"`
	Depend   []string       `yaml:"depend" json:"depend,omitempty"`
	Requires []string       `yaml:"requires" json:"requires,omitempty"`
	Config   map[string]any `yaml:"config" json:"config,omitempty"`
}

// IsEnabled reports whether the script may be loaded. Scripts are enabled
// unless the options say otherwise.
func (o Options) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Script is one loadable unit of Lua source plus its options.
type Script struct {
	name    string
	path    string
	source  string
	options Options
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	vm       *luavm.VM
	instance string
	loadedAt time.Time
	lastErr  string
}

// New creates an unloaded script.
func New(name, path, source string, opts Options, logger *slog.Logger) *Script {
	return &Script{
		name:    name,
		path:    path,
		source:  source,
		options: opts,
		logger:  logger.With("script", name),
	}
}

func (s *Script) Name() string           { return s.name }
func (s *Script) Path() string           { return s.path }
func (s *Script) Source() string         { return s.source }
func (s *Script) Options() Options       { return s.options }
func (s *Script) Logger() *slog.Logger   { return s.logger }
func (s *Script) Dependencies() []string { return s.options.Depend }

// State returns the current lifecycle state.
func (s *Script) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the script to st.
func (s *Script) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Fail moves the script to StateError and records why.
func (s *Script) Fail(reason string) {
	s.mu.Lock()
	s.state = StateError
	s.lastErr = reason
	s.mu.Unlock()
}

// Attach gives the script its execution context for a new run.
func (s *Script) Attach(vm *luavm.VM, instance string) {
	s.mu.Lock()
	s.vm = vm
	s.instance = instance
	s.loadedAt = time.Now()
	s.lastErr = ""
	s.mu.Unlock()
}

// Detach removes and returns the execution context.
func (s *Script) Detach() *luavm.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.vm
	s.vm = nil
	return vm
}

// VM returns the execution context, or nil when not loaded.
func (s *Script) VM() *luavm.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm
}

// Instance is the id of the current or last run.
func (s *Script) Instance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

// Info is a snapshot of a script for the API.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	State     State     `json:"state"`
	Enabled   bool      `json:"enabled"`
	Depend    []string  `json:"depend,omitempty"`
	Requires  []string  `json:"requires,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Info returns a snapshot of the script.
func (s *Script) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:      s.name,
		Path:      s.path,
		State:     s.state,
		Enabled:   s.options.IsEnabled(),
		Depend:    s.options.Depend,
		Requires:  s.options.Requires,
		Instance:  s.instance,
		LoadedAt:  s.loadedAt,
		LastError: s.lastErr,
	}
}
