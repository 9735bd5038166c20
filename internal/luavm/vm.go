// Package luavm wraps a sandboxed gopher-lua state owned by one script.
package luavm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrClosed is returned by calls into a VM that has been closed.
var ErrClosed = errors.New("vm closed")

// sandboxed lists globals removed from every state.
var sandboxed = []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"}

// VM is an isolated Lua state. All access to the state is serialized by a
// mutex, so a VM may be entered from the coordinating loop and from worker
// goroutines.
type VM struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  *lua.LState
	closed bool
}

// New creates a sandboxed state for the named script.
func New(name string) *VM {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	for _, g := range sandboxed {
		L.SetGlobal(g, lua.LNil)
	}
	L.SetContext(ctx)

	return &VM{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		state:  L,
	}
}

// Name returns the owning script's name.
func (vm *VM) Name() string { return vm.name }

// Context is cancelled when the VM is closed.
func (vm *VM) Context() context.Context { return vm.ctx }

// Do runs fn with exclusive access to the Lua state.
func (vm *VM) Do(fn func(L *lua.LState) error) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return ErrClosed
	}
	return fn(vm.state)
}

// Exec compiles and runs source as a chunk named after the script.
func (vm *VM) Exec(source string) error {
	return vm.Do(func(L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(source), vm.name)
		if err != nil {
			return fmt.Errorf("compile: %w", err)
		}
		L.Push(fn)
		return L.PCall(0, lua.MultRet, nil)
	})
}

// Global returns the global function called name, if there is one.
func (vm *VM) Global(name string) (*Function, bool) {
	var f *Function
	_ = vm.Do(func(L *lua.LState) error {
		if lf, ok := L.GetGlobal(name).(*lua.LFunction); ok {
			f = &Function{vm: vm, fn: lf, name: name}
		}
		return nil
	})
	return f, f != nil
}

// Wrap binds a function value of this VM as a Callable.
func (vm *VM) Wrap(fn *lua.LFunction, name string) *Function {
	return &Function{vm: vm, fn: fn, name: name}
}

// Closed reports whether Close has been called.
func (vm *VM) Closed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.closed
}

// Close cancels any running code and releases the state. It waits for an
// in-flight call to return. Safe to call more than once.
func (vm *VM) Close() {
	vm.cancel()
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return
	}
	vm.closed = true
	vm.state.Close()
}

// Function is a Lua function bound to the VM that created it.
type Function struct {
	vm   *VM
	fn   *lua.LFunction
	name string
}

// Invoke calls the function in protected mode and returns its first result
// converted to a Go value.
func (f *Function) Invoke(args ...any) (any, error) {
	var out any
	err := f.vm.Do(func(L *lua.LState) error {
		largs := make([]lua.LValue, len(args))
		for i, a := range args {
			largs[i] = ToLua(L, a)
		}
		if err := L.CallByParam(lua.P{
			Fn:      f.fn,
			NRet:    1,
			Protect: true,
		}, largs...); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)
		out = ToGo(ret)
		return nil
	})
	return out, err
}

// Arity returns the declared parameter count, or -1 for vararg and Go
// functions.
func (f *Function) Arity() int {
	if f.fn.IsG || f.fn.Proto == nil || f.fn.Proto.IsVarArg != 0 {
		return -1
	}
	return int(f.fn.Proto.NumParameters)
}

func (f *Function) String() string {
	if f.name != "" {
		return fmt.Sprintf("%s:%s", f.vm.name, f.name)
	}
	return fmt.Sprintf("%s:function", f.vm.name)
}

// LFunction returns the underlying Lua value.
func (f *Function) LFunction() *lua.LFunction { return f.fn }
