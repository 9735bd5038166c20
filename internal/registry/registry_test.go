package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost records what is installed on the "host side".
type fakeHost struct {
	mu        sync.Mutex
	installed map[string]bool
	failBind  map[string]bool
	failUnbnd map[string]bool
	syncs     int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		installed: make(map[string]bool),
		failBind:  make(map[string]bool),
		failUnbnd: make(map[string]bool),
	}
}

func hostKey(e *Entry[string, int]) string { return e.Owner + "/" + e.Key }

func (h *fakeHost) Bind(e *Entry[string, int]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failBind[e.Key] {
		return errors.New("host refused")
	}
	h.installed[hostKey(e)] = true
	return nil
}

func (h *fakeHost) Unbind(e *Entry[string, int]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failUnbnd[e.Key] {
		return errors.New("host stuck")
	}
	delete(h.installed, hostKey(e))
	return nil
}

func (h *fakeHost) Sync() {
	h.mu.Lock()
	h.syncs++
	h.mu.Unlock()
}

func (h *fakeHost) has(owner, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed[owner+"/"+key]
}

func (h *fakeHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.installed)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*Registry[string, int], *fakeHost) {
	t.Helper()
	h := newFakeHost()
	return New[string, int]("command", h, testLogger()), h
}

func TestRegisterDuplicateKey(t *testing.T) {
	r, h := newTestRegistry(t)

	_, err := r.Register("a", "foo", 1)
	require.NoError(t, err)

	_, err = r.Register("a", "foo", 2)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = r.Register("b", "foo", 3)
	require.NoError(t, err, "a different owner may reuse the key")

	assert.Equal(t, 2, r.Len())
	assert.True(t, h.has("a", "foo"))
	assert.True(t, h.has("b", "foo"))

	e, ok := r.Get("a", "foo")
	require.True(t, ok)
	assert.Equal(t, 1, e.Value)
}

func TestRegisterBindFailureRollsBack(t *testing.T) {
	r, h := newTestRegistry(t)
	h.failBind["bad"] = true

	_, err := r.Register("a", "bad", 1)
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List("a"))

	h.failBind["bad"] = false
	_, err = r.Register("a", "bad", 1)
	require.NoError(t, err, "key is free again after a failed bind")
}

func TestUnregister(t *testing.T) {
	r, h := newTestRegistry(t)

	e, err := r.Register("a", "foo", 1)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(e.ID))
	assert.False(t, h.has("a", "foo"))

	err = r.Unregister(e.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = r.UnregisterKey("a", "foo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterAllIsCompleteAndIdempotent(t *testing.T) {
	r, h := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		_, err := r.Register("a", fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}
	_, err := r.Register("b", "k0", 0)
	require.NoError(t, err)

	require.NoError(t, r.UnregisterAll("a"))
	assert.Empty(t, r.List("a"))
	assert.Equal(t, 0, r.Count("a"))
	assert.Equal(t, 1, h.count(), "only b's entry stays on the host")
	assert.Equal(t, []string{"b"}, r.Owners())

	require.NoError(t, r.UnregisterAll("a"))
	require.NoError(t, r.UnregisterAll("nobody"))
}

func TestUnregisterAllContinuesPastFailures(t *testing.T) {
	r, h := newTestRegistry(t)
	h.failUnbnd["k1"] = true

	for i := 0; i < 3; i++ {
		_, err := r.Register("a", fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}

	err := r.UnregisterAll("a")
	require.Error(t, err)
	assert.ErrorContains(t, err, "k1")

	assert.Empty(t, r.List("a"), "forced removal leaves no registry entries")
	assert.False(t, h.has("a", "k0"))
	assert.False(t, h.has("a", "k2"))
}

func TestSyncOncePerOperation(t *testing.T) {
	r, h := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		_, err := r.Register("a", fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.syncs)

	require.NoError(t, r.UnregisterAll("a"))
	assert.Equal(t, 4, h.syncs, "bulk teardown syncs once")

	require.NoError(t, r.UnregisterAll("a"))
	assert.Equal(t, 4, h.syncs, "no-op teardown does not sync")

	_, err := r.Register("a", "k0", 0)
	require.NoError(t, err)
	_, err = r.Register("a", "k0", 0)
	require.Error(t, err)
	assert.Equal(t, 5, h.syncs, "rejected registration does not sync")
}

func TestListOrderAndFindKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, k := range []string{"z", "m", "a"} {
		_, err := r.Register("a", k, 0)
		require.NoError(t, err)
	}
	_, err := r.Register("b", "m", 1)
	require.NoError(t, err)

	var keys []string
	for _, e := range r.List("a") {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"z", "m", "a"}, keys)

	found := r.FindKey("m")
	require.Len(t, found, 2)
	assert.Equal(t, "a", found[0].Owner)
	assert.Equal(t, "b", found[1].Owner)

	assert.Len(t, r.All(), 4)
}

func TestNilBinder(t *testing.T) {
	r := New[string, int]("plain", nil, testLogger())
	e, err := r.Register("a", "x", 1)
	require.NoError(t, err)
	got, ok := r.Lookup(e.ID)
	require.True(t, ok)
	assert.Equal(t, "x", got.Key)
	require.NoError(t, r.UnregisterAll("a"))
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentRegisterAndTeardown(t *testing.T) {
	r, h := newTestRegistry(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e, err := r.Register("a", fmt.Sprintf("w%d-%d", w, i), i)
				if err != nil {
					continue
				}
				if i%2 == 0 {
					_ = r.Unregister(e.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, r.UnregisterAll("a"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, h.count())
}

func TestBinderFuncs(t *testing.T) {
	var bound, unbound, synced int
	r := New[string, int]("funcs", BinderFuncs[string, int]{
		BindFunc:   func(*Entry[string, int]) error { bound++; return nil },
		UnbindFunc: func(*Entry[string, int]) error { unbound++; return nil },
		SyncFunc:   func() { synced++ },
	}, testLogger())

	e, err := r.Register("a", "x", 1)
	require.NoError(t, err)
	require.NoError(t, r.Unregister(e.ID))

	assert.Equal(t, 1, bound)
	assert.Equal(t, 1, unbound)
	assert.Equal(t, 2, synced)
}
