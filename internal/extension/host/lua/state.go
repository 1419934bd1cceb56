// Package lua hosts extension entry points written in Lua.
//
// Each module runs in its own gopher-lua state with only the base, table,
// string and math libraries. File, OS and debug access and dynamic code
// loading are removed. An entry point defines global functions:
//
//	function activate(context) ... return exports end
//	function deactivate() ... end
//
// Both are optional.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultExecutionTimeout bounds a single chunk or hook invocation.
const DefaultExecutionTimeout = 5 * time.Second

// State wraps a gopher-lua state for one module.
//
// gopher-lua's LState is not goroutine-safe; every entry into the VM goes
// through the mutex.
type State struct {
	L *lua.LState

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout bounds each call into Lua. Zero disables the bound.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.timeout = d
	}
}

// NewState creates a sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	s := &State{timeout: DefaultExecutionTimeout}
	for _, opt := range opts {
		opt(s)
	}

	s.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(s.L)
	installSandbox(s.L)
	return s
}

// openSafeLibraries opens only libraries without host access.
func openSafeLibraries(L *lua.LState) {
	// package first: require lives there and the sandbox replaces it
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// DoString executes a chunk.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.exec(ctx, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// HasFunc reports whether a global function is defined.
func (s *State) HasFunc(name string) bool {
	return s.GetGlobal(name).Type() == lua.LTFunction
}

// GetGlobal returns a global value, or LNil if closed.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// Call calls a global function. The args builder runs under the state lock
// so it may allocate tables on L.
func (s *State) Call(ctx context.Context, name string, args func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	var out []lua.LValue
	err := s.exec(ctx, func(L *lua.LState) error {
		fn := L.GetGlobal(name)
		if fn.Type() != lua.LTFunction {
			return fmt.Errorf("%w: %q", ErrNoFunction, name)
		}
		var argv []lua.LValue
		if args != nil {
			argv = args(L)
		}
		var err error
		out, err = pcall(L, fn, argv)
		return err
	})
	return out, err
}

// CallFunc calls a function value previously obtained from this state.
func (s *State) CallFunc(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	var out []lua.LValue
	err := s.exec(ctx, func(L *lua.LState) error {
		var err error
		out, err = pcall(L, fn, args)
		return err
	})
	return out, err
}

func pcall(L *lua.LState, fn lua.LValue, args []lua.LValue) ([]lua.LValue, error) {
	top := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	n := L.GetTop() - top
	if n <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = L.Get(top + i + 1)
	}
	L.Pop(n)
	return results, nil
}

// exec runs fn under the lock with ctx (and the execution timeout) bound to
// the VM, converting panics to errors.
func (s *State) exec(ctx context.Context, fn func(L *lua.LState) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	err = fn(s.L)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
	}
	return err
}

// Close releases the state. Further calls return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
