// Package registry tracks the host-visible resources each script owns.
//
// One Registry is created per resource kind. Every entry belongs to exactly
// one owner and is unique per (owner, key). Host-side work is delegated to a
// Binder so that removing an entry also removes its trace from the host
// facility it was installed in.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAlreadyRegistered is returned when an owner registers a key twice.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrNotFound is returned for handles or keys that are not registered.
	ErrNotFound = errors.New("not found")
)

// Handle identifies a single entry for the lifetime of a Registry.
type Handle uint64

// Entry is one registered resource.
type Entry[K comparable, V any] struct {
	ID      Handle
	Owner   string
	Key     K
	Value   V
	Created time.Time
}

// Binder installs and removes the host-side counterpart of an entry.
// Bind and Unbind are called with the registry lock held and must not call
// back into the same Registry.
type Binder[K comparable, V any] interface {
	Bind(e *Entry[K, V]) error
	Unbind(e *Entry[K, V]) error
}

// Syncer is implemented by binders whose host facility needs a commit step
// after a batch of changes. Sync is called once per Register, Unregister or
// UnregisterAll that changed something.
type Syncer interface {
	Sync()
}

// Teardown is the kind-independent view of a Registry used by the script
// lifecycle.
type Teardown interface {
	Kind() string
	Count(owner string) int
	UnregisterAll(owner string) error
}

// BinderFuncs adapts plain functions to Binder. Nil functions are no-ops.
type BinderFuncs[K comparable, V any] struct {
	BindFunc   func(e *Entry[K, V]) error
	UnbindFunc func(e *Entry[K, V]) error
	SyncFunc   func()
}

func (b BinderFuncs[K, V]) Bind(e *Entry[K, V]) error {
	if b.BindFunc == nil {
		return nil
	}
	return b.BindFunc(e)
}

func (b BinderFuncs[K, V]) Unbind(e *Entry[K, V]) error {
	if b.UnbindFunc == nil {
		return nil
	}
	return b.UnbindFunc(e)
}

func (b BinderFuncs[K, V]) Sync() {
	if b.SyncFunc != nil {
		b.SyncFunc()
	}
}

// Registry maps owners to their live resources of one kind.
type Registry[K comparable, V any] struct {
	kind   string
	binder Binder[K, V]
	syncer Syncer
	logger *slog.Logger

	mu      sync.Mutex
	nextID  Handle
	entries map[Handle]*Entry[K, V]
	byOwner map[string]map[K]Handle
}

// New creates a registry for kind. binder may be nil when there is no
// host-side work.
func New[K comparable, V any](kind string, binder Binder[K, V], logger *slog.Logger) *Registry[K, V] {
	r := &Registry[K, V]{
		kind:    kind,
		binder:  binder,
		logger:  logger.With("component", "registry", "kind", kind),
		entries: make(map[Handle]*Entry[K, V]),
		byOwner: make(map[string]map[K]Handle),
	}
	if s, ok := binder.(Syncer); ok {
		r.syncer = s
	}
	return r
}

// Kind returns the resource kind name.
func (r *Registry[K, V]) Kind() string { return r.kind }

// Register stores a new entry and binds it on the host side. If Bind fails
// the entry is removed again and the bind error is returned.
func (r *Registry[K, V]) Register(owner string, key K, value V) (*Entry[K, V], error) {
	r.mu.Lock()
	keys := r.byOwner[owner]
	if _, dup := keys[key]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s %v for %s: %w", r.kind, key, owner, ErrAlreadyRegistered)
	}
	if keys == nil {
		keys = make(map[K]Handle)
		r.byOwner[owner] = keys
	}
	r.nextID++
	e := &Entry[K, V]{
		ID:      r.nextID,
		Owner:   owner,
		Key:     key,
		Value:   value,
		Created: time.Now(),
	}
	r.entries[e.ID] = e
	keys[key] = e.ID

	if r.binder != nil {
		if err := r.binder.Bind(e); err != nil {
			r.removeLocked(e)
			r.mu.Unlock()
			return nil, fmt.Errorf("bind %s %v: %w", r.kind, key, err)
		}
	}
	r.mu.Unlock()

	r.sync()
	return e, nil
}

// Unregister removes the entry with the given handle. The entry is removed
// even when Unbind fails; the Unbind error is returned.
func (r *Registry[K, V]) Unregister(id Handle) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s #%d: %w", r.kind, id, ErrNotFound)
	}
	err := r.unbindLocked(e)
	r.mu.Unlock()

	r.sync()
	return err
}

// UnregisterKey removes owner's entry for key.
func (r *Registry[K, V]) UnregisterKey(owner string, key K) error {
	r.mu.Lock()
	id, ok := r.byOwner[owner][key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s %v for %s: %w", r.kind, key, owner, ErrNotFound)
	}
	err := r.unbindLocked(r.entries[id])
	r.mu.Unlock()

	r.sync()
	return err
}

// UnregisterAll removes every entry owned by owner. Every entry is removed
// and unbound even if some Unbind calls fail; their errors are joined.
// Calling it for an owner with no entries is a no-op.
func (r *Registry[K, V]) UnregisterAll(owner string) error {
	r.mu.Lock()
	keys := r.byOwner[owner]
	if len(keys) == 0 {
		delete(r.byOwner, owner)
		r.mu.Unlock()
		return nil
	}
	victims := make([]*Entry[K, V], 0, len(keys))
	for _, id := range keys {
		victims = append(victims, r.entries[id])
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].ID < victims[j].ID })

	var errs []error
	for _, e := range victims {
		if err := r.unbindLocked(e); err != nil {
			errs = append(errs, err)
		}
	}
	r.mu.Unlock()

	r.sync()
	if len(errs) > 0 {
		r.logger.Warn("teardown incomplete on host side", "owner", owner, "failed", len(errs), "removed", len(victims))
	}
	return errors.Join(errs...)
}

func (r *Registry[K, V]) unbindLocked(e *Entry[K, V]) error {
	r.removeLocked(e)
	if r.binder == nil {
		return nil
	}
	if err := r.binder.Unbind(e); err != nil {
		return fmt.Errorf("unbind %s %v for %s: %w", r.kind, e.Key, e.Owner, err)
	}
	return nil
}

func (r *Registry[K, V]) removeLocked(e *Entry[K, V]) {
	delete(r.entries, e.ID)
	if keys := r.byOwner[e.Owner]; keys != nil {
		delete(keys, e.Key)
		if len(keys) == 0 {
			delete(r.byOwner, e.Owner)
		}
	}
}

func (r *Registry[K, V]) sync() {
	if r.syncer != nil {
		r.syncer.Sync()
	}
}

// Get returns owner's entry for key.
func (r *Registry[K, V]) Get(owner string, key K) (*Entry[K, V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOwner[owner][key]
	if !ok {
		return nil, false
	}
	return r.entries[id], true
}

// Lookup returns the entry with the given handle.
func (r *Registry[K, V]) Lookup(id Handle) (*Entry[K, V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// FindKey returns the entries of every owner registered under key, oldest
// first.
func (r *Registry[K, V]) FindKey(key K) []*Entry[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry[K, V]
	for _, keys := range r.byOwner {
		if id, ok := keys[key]; ok {
			out = append(out, r.entries[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns owner's entries in registration order. The result is never nil.
func (r *Registry[K, V]) List(owner string) []*Entry[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.byOwner[owner]
	out := make([]*Entry[K, V], 0, len(keys))
	for _, id := range keys {
		out = append(out, r.entries[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every entry in registration order.
func (r *Registry[K, V]) All() []*Entry[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry[K, V], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many entries owner has.
func (r *Registry[K, V]) Count(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOwner[owner])
}

// Owners returns the owners that currently hold entries, sorted.
func (r *Registry[K, V]) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byOwner))
	for o := range r.byOwner {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
