// Package lifecycle loads, runs and unloads scripts, and makes sure every
// resource a script registered is released when it stops.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	lua "github.com/yuin/gopher-lua"

	"scripthost/internal/depgraph"
	"scripthost/internal/fault"
	"scripthost/internal/host"
	"scripthost/internal/luavm"
	"scripthost/internal/metrics"
	"scripthost/internal/protocol"
	"scripthost/internal/registry"
	"scripthost/internal/scheduler"
	"scripthost/internal/script"
	"scripthost/internal/store"
)

// Host facilities a script can list under "requires".
const (
	FacilityProtocol     = "protocol"
	FacilityPubSub       = "mqtt"
	FacilityPlaceholders = "placeholders"
	FacilityStore        = "store"
	FacilityConfig       = "config"
)

// Packets is the optional packet facility.
type Packets interface {
	AddHook(h *protocol.Hook) error
	RemoveHook(h *protocol.Hook) bool
	Send(ctx context.Context, packetType string, payload []byte) error
}

// PubSub is the optional publish/subscribe facility. Subscribe returns a
// function that cancels the subscription.
type PubSub interface {
	Subscribe(filter string, h func(ctx context.Context, topic string, payload []byte)) (func() error, error)
	Publish(topic string, payload []byte) error
}

// Config wires a Manager to the host. Placeholders, Packets, PubSub, Store
// and Configs may be nil when the facility is not available.
type Config struct {
	Loader       *script.Loader
	Loop         *host.Loop
	Timeline     *host.Timeline
	Events       *host.EventBus
	Commands     *host.CommandTable
	Placeholders *host.PlaceholderTable
	Packets      Packets
	PubSub       PubSub
	Store        store.Store
	Configs      *script.ConfigDir
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Report is the outcome of loading one script in LoadAll.
type Report struct {
	Script string        `json:"script"`
	Result script.Result `json:"result"`
}

// Manager owns every script and the per-kind resource registries.
type Manager struct {
	loader       *script.Loader
	loop         *host.Loop
	events       *host.EventBus
	commands     *host.CommandTable
	placeholders *host.PlaceholderTable
	packets      Packets
	pubsub       PubSub
	store        store.Store
	configs      *script.ConfigDir
	metrics      *metrics.Metrics
	logger       *slog.Logger

	router    *fault.Router
	scheduler *scheduler.Scheduler

	scripts cmap.ConcurrentMap[string, *script.Script]
	// order holds running scripts in load order. Loop only.
	order []string

	commandReg      *registry.Registry[string, *host.Command]
	listenerReg     *registry.Registry[string, *listener]
	placeholderReg  *registry.Registry[string, *host.Expansion]
	hookReg         *registry.Registry[string, *protocol.Hook]
	subscriptionReg *registry.Registry[string, *subscription]
	teardowns       []registry.Teardown

	unsubSync func()
}

// New creates a manager and installs the built-in scripts command.
func New(cfg Config) (*Manager, error) {
	if cfg.Loader == nil || cfg.Loop == nil || cfg.Timeline == nil || cfg.Events == nil || cfg.Commands == nil {
		return nil, errors.New("lifecycle: loader, loop, timeline, events and commands are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		loader:       cfg.Loader,
		loop:         cfg.Loop,
		events:       cfg.Events,
		commands:     cfg.Commands,
		placeholders: cfg.Placeholders,
		packets:      cfg.Packets,
		pubsub:       cfg.PubSub,
		store:        cfg.Store,
		configs:      cfg.Configs,
		metrics:      cfg.Metrics,
		logger:       logger.With("component", "lifecycle"),
		router:       fault.NewRouter(cfg.Metrics, fault.WithQuietErrors(luavm.ErrClosed)),
		scripts:      cmap.New[*script.Script](),
	}
	m.scheduler = scheduler.New(cfg.Timeline, m.router, cfg.Metrics, logger)
	m.initRegistries(logger)

	if _, err := m.commands.Register("scripthost", m.scriptsCommand()); err != nil {
		return nil, fmt.Errorf("register scripts command: %w", err)
	}
	// Sync can run under a script's VM lock; listeners are called from the loop.
	m.unsubSync = m.commands.OnSync(func(version uint64) {
		m.loop.Post(func(ctx context.Context) {
			m.events.Emit(ctx, &host.Event{
				Type: host.EventCommandsSynced,
				Data: map[string]any{"version": version},
			})
		})
	})
	m.commands.Sync()
	return m, nil
}

// Router returns the fault router every script call goes through.
func (m *Manager) Router() *fault.Router { return m.router }

// Scheduler returns the task scheduler.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Commands returns the command table scripts register into.
func (m *Manager) Commands() *host.CommandTable { return m.commands }

// Events returns the host event bus.
func (m *Manager) Events() *host.EventBus { return m.events }

// Load loads the named script. It runs on the coordinating loop.
func (m *Manager) Load(ctx context.Context, name string) script.Result {
	return m.onLoop(ctx, "load", name, func(ctx context.Context) script.Result {
		return m.load(ctx, name)
	})
}

// Unload stops the named script and releases its resources.
func (m *Manager) Unload(ctx context.Context, name string) script.Result {
	return m.onLoop(ctx, "unload", name, func(ctx context.Context) script.Result {
		return m.unload(ctx, name)
	})
}

// Reload unloads the script if it is loaded, re-reads it from disk and
// loads it again.
func (m *Manager) Reload(ctx context.Context, name string) script.Result {
	return m.onLoop(ctx, "reload", name, func(ctx context.Context) script.Result {
		if s, ok := m.scripts.Get(name); ok && isLoaded(s.State()) {
			m.stop(ctx, s)
		}
		return m.load(ctx, name)
	})
}

func (m *Manager) onLoop(ctx context.Context, op, name string, fn func(ctx context.Context) script.Result) script.Result {
	var res script.Result
	err := m.loop.Call(ctx, func(ctx context.Context) error {
		res = fn(ctx)
		return nil
	})
	if err != nil {
		m.logger.Error(op+" script", "script", name, "err", err)
		return script.ResultFault
	}
	return res
}

func isLoaded(st script.State) bool {
	return st == script.StateRunning || st == script.StateError
}

// LoadAll discovers every script on disk and loads them in dependency
// order. Scripts that are already running are left alone.
func (m *Manager) LoadAll(ctx context.Context) ([]Report, error) {
	var reports []Report
	err := m.loop.Call(ctx, func(ctx context.Context) error {
		var err error
		reports, err = m.loadAll(ctx)
		return err
	})
	return reports, err
}

func (m *Manager) loadAll(ctx context.Context) ([]Report, error) {
	found, err := m.loader.List()
	if err != nil {
		return nil, err
	}

	ordered, err := depgraph.Resolve(found)
	cyclic := map[string]bool{}
	var ce *depgraph.CycleError
	if errors.As(err, &ce) {
		cyclic = ce.Members()
		m.logger.Error("dependency cycle", "err", err)
	}
	for name, deps := range depgraph.Missing(found) {
		m.logger.Warn("unknown dependencies", "script", name, "missing", deps)
	}

	reports := make([]Report, 0, len(ordered))
	for _, s := range ordered {
		if cur, ok := m.scripts.Get(s.Name()); ok && cur.State() == script.StateRunning {
			reports = append(reports, Report{Script: s.Name(), Result: script.ResultAlreadyRunning})
			continue
		}
		m.scripts.Set(s.Name(), s)

		var res script.Result
		if cyclic[s.Name()] {
			s.Fail("dependency cycle")
			res = script.ResultMissingDependency
			m.record(s, res)
		} else {
			res = m.start(ctx, s)
		}
		reports = append(reports, Report{Script: s.Name(), Result: res})
	}

	loaded := 0
	for _, r := range reports {
		if r.Result == script.ResultSuccess {
			loaded++
		}
	}
	m.logger.Info("scripts loaded", "loaded", loaded, "total", len(reports))
	return reports, nil
}

// Shutdown unloads every loaded script in reverse load order.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.loop.Call(ctx, func(ctx context.Context) error {
		for i := len(m.order) - 1; i >= 0; i-- {
			if s, ok := m.scripts.Get(m.order[i]); ok {
				m.stop(ctx, s)
			}
		}
		for _, s := range m.scripts.Items() {
			if s.State() == script.StateError {
				m.stop(ctx, s)
			}
		}
		m.unsubSync()
		return nil
	})
}

func (m *Manager) load(ctx context.Context, name string) script.Result {
	if cur, ok := m.scripts.Get(name); ok {
		switch cur.State() {
		case script.StateRunning, script.StateLoading, script.StateStopping:
			return script.ResultAlreadyRunning
		}
	}

	s, err := m.loader.Get(name)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			m.metrics.LoadResult(script.ResultNotFound.String())
			return script.ResultNotFound
		}
		m.logger.Error("read script", "script", name, "err", err)
		m.metrics.LoadResult(script.ResultFault.String())
		return script.ResultFault
	}
	m.scripts.Set(name, s)
	return m.start(ctx, s)
}

// start runs a freshly read script. Loop only.
func (m *Manager) start(ctx context.Context, s *script.Script) script.Result {
	if !s.Options().IsEnabled() {
		s.Fail("disabled")
		s.Logger().Info("script disabled")
		m.record(s, script.ResultDisabled)
		return script.ResultDisabled
	}
	for _, dep := range s.Dependencies() {
		d, ok := m.scripts.Get(dep)
		if !ok || d.State() != script.StateRunning {
			s.Fail("dependency " + dep + " is not running")
			s.Logger().Warn("dependency not running", "dependency", dep)
			m.record(s, script.ResultMissingDependency)
			return script.ResultMissingDependency
		}
	}
	for _, req := range s.Options().Requires {
		if !m.Available(req) {
			s.Fail("host facility " + req + " is not available")
			s.Logger().Warn("host facility not available", "requires", req)
			m.record(s, script.ResultMissingDependency)
			return script.ResultMissingDependency
		}
	}

	s.SetState(script.StateLoading)
	instance := uuid.NewString()
	vm := luavm.New(s.Name())
	s.Attach(vm, instance)

	err := m.router.Guard(s, "loading script", func() error {
		if err := vm.Do(func(L *lua.LState) error {
			m.bindAPI(L, vm, s)
			return nil
		}); err != nil {
			return err
		}
		if err := vm.Exec(s.Source()); err != nil {
			return err
		}
		if fn, ok := vm.Global("start"); ok {
			if _, err := fn.Invoke(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.SetState(script.StateStopping)
		m.release(s)
		vm.Close()
		s.Detach()
		s.Fail(err.Error())
		m.record(s, script.ResultFault)
		return script.ResultFault
	}

	s.SetState(script.StateRunning)
	m.order = append(m.order, s.Name())
	m.metrics.SetRunning(len(m.order))
	s.Logger().Info("script loaded", "instance", instance)
	m.record(s, script.ResultSuccess)

	m.events.Emit(ctx, &host.Event{
		Type: host.EventScriptLoad,
		Data: map[string]any{"script": s.Name(), "instance": instance},
	})
	return script.ResultSuccess
}

func (m *Manager) unload(ctx context.Context, name string) script.Result {
	s, ok := m.scripts.Get(name)
	if !ok {
		if _, err := m.loader.Get(name); errors.Is(err, script.ErrNotFound) {
			return script.ResultNotFound
		}
		return script.ResultNotLoaded
	}
	if !isLoaded(s.State()) {
		return script.ResultNotLoaded
	}
	m.stop(ctx, s)
	return script.ResultSuccess
}

// stop tears a running or failed script down. Loop only.
func (m *Manager) stop(ctx context.Context, s *script.Script) {
	wasRunning := s.State() == script.StateRunning
	s.SetState(script.StateStopping)

	if vm := s.VM(); vm != nil && wasRunning {
		if fn, ok := vm.Global("stop"); ok {
			m.router.Invoke(s, "disabling script", fn)
		}
	}
	m.release(s)
	if vm := s.Detach(); vm != nil {
		vm.Close()
	}
	s.SetState(script.StateUnloaded)

	for i, name := range m.order {
		if name == s.Name() {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.metrics.SetRunning(len(m.order))
	if !wasRunning {
		return
	}
	s.Logger().Info("script unloaded")

	if m.store != nil {
		err := m.store.UpdateRun(s.Name(), func(rec *store.RunRecord) error {
			rec.Unloads++
			rec.LastUnloaded = time.Now()
			return nil
		})
		if err != nil {
			s.Logger().Warn("save run record", "err", err)
		}
	}

	m.events.Emit(ctx, &host.Event{
		Type: host.EventScriptUnload,
		Data: map[string]any{"script": s.Name(), "instance": s.Instance()},
	})
}

// release unregisters everything the script owns from every registry.
// Failures are logged and teardown continues. s must already be Stopping.
func (m *Manager) release(s *script.Script) {
	if vm := s.VM(); vm != nil {
		// Wait out a host call in flight on another goroutine; later calls
		// see Stopping and are refused.
		_ = vm.Do(func(*lua.LState) error { return nil })
	}
	for _, td := range m.teardowns {
		if err := td.UnregisterAll(s.Name()); err != nil {
			s.Logger().Error("release "+td.Kind()+"s", "err", err)
		}
	}
}

func (m *Manager) record(s *script.Script, res script.Result) {
	m.metrics.LoadResult(res.String())
	if m.store == nil {
		return
	}
	info := s.Info()
	err := m.store.UpdateRun(s.Name(), func(rec *store.RunRecord) error {
		rec.LastResult = res.String()
		rec.LastError = info.LastError
		if res == script.ResultSuccess {
			rec.Loads++
			rec.Instance = info.Instance
			rec.LastLoaded = info.LoadedAt
		}
		if res == script.ResultFault {
			rec.Faults++
		}
		return nil
	})
	if err != nil {
		s.Logger().Warn("save run record", "err", err)
	}
}

// Available reports whether a host facility can be used by scripts.
func (m *Manager) Available(facility string) bool {
	switch facility {
	case FacilityProtocol:
		return m.packets != nil
	case FacilityPubSub:
		return m.pubsub != nil
	case FacilityPlaceholders:
		return m.placeholders != nil
	case FacilityStore:
		return m.store != nil
	case FacilityConfig:
		return m.configs != nil
	default:
		return false
	}
}

// Script returns a known script.
func (m *Manager) Script(name string) (*script.Script, bool) {
	return m.scripts.Get(name)
}

// Scripts returns a snapshot of every known script, sorted by name.
func (m *Manager) Scripts() []script.Info {
	out := make([]script.Info, 0, m.scripts.Count())
	for _, s := range m.scripts.Items() {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns how many resources of each kind the script owns.
func (m *Manager) Resources(name string) map[string]int {
	out := make(map[string]int, len(m.teardowns))
	for _, td := range m.teardowns {
		out[td.Kind()] = td.Count(name)
	}
	return out
}

// Execute dispatches a command line on the loop.
func (m *Manager) Execute(ctx context.Context, sender host.Sender, line string) error {
	return m.loop.Call(ctx, func(ctx context.Context) error {
		return m.commands.Dispatch(ctx, sender, line)
	})
}

// Complete returns tab completions for a partial command line.
func (m *Manager) Complete(ctx context.Context, sender host.Sender, line string) ([]string, error) {
	var out []string
	err := m.loop.Call(ctx, func(ctx context.Context) error {
		out = m.commands.Complete(ctx, sender, line)
		return nil
	})
	return out, err
}

// Emit fires an event on the loop and reports whether it was cancelled.
func (m *Manager) Emit(ctx context.Context, e *host.Event) (bool, error) {
	var cancelled bool
	err := m.loop.Call(ctx, func(ctx context.Context) error {
		cancelled = m.events.Emit(ctx, e)
		return nil
	})
	return cancelled, err
}

// Expand replaces placeholders in text for subject.
func (m *Manager) Expand(ctx context.Context, subject, text string) (string, error) {
	if m.placeholders == nil {
		return "", errUnavailable(FacilityPlaceholders)
	}
	var out string
	err := m.loop.Call(ctx, func(ctx context.Context) error {
		out = m.placeholders.Expand(ctx, subject, text)
		return nil
	})
	return out, err
}

// History returns the persisted run record of a script.
func (m *Manager) History(name string) (*store.RunRecord, error) {
	if m.store == nil {
		return nil, errUnavailable(FacilityStore)
	}
	return m.store.GetRun(name)
}

// Histories returns every persisted run record.
func (m *Manager) Histories() ([]*store.RunRecord, error) {
	if m.store == nil {
		return nil, errUnavailable(FacilityStore)
	}
	return m.store.ListRuns()
}
