package lua

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/host"
	"github.com/dshills/exthost/internal/extension/memento"
)

// Host loads Lua entry points fetched over a Fetcher.
type Host struct {
	fetcher fetch.Fetcher
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithTimeout sets the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Host) { h.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a Lua host.
func New(f fetch.Fetcher, opts ...Option) *Host {
	h := &Host{
		fetcher: f,
		timeout: DefaultExecutionTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load implements host.PluginHost. The chunk runs once at load time so
// that it can define its hooks.
func (h *Host) Load(ctx context.Context, url string) (host.Module, error) {
	src, err := h.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, url, err)
	}

	st := NewState(WithExecutionTimeout(h.timeout))
	if err := st.DoString(ctx, string(src)); err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, url, err)
	}

	h.logger.Debug("lua module loaded", zap.String("url", url))
	return &Module{url: url, state: st}, nil
}

// Module is a loaded Lua entry point.
type Module struct {
	url   string
	state *State
}

// State returns the module's Lua state.
func (m *Module) State() *State { return m.state }

// Activate calls the global activate(context) function if defined and
// returns its first result converted to Go.
func (m *Module) Activate(ctx context.Context, ec *host.Context) (any, error) {
	if !m.state.HasFunc("activate") {
		return nil, nil
	}

	results, err := m.state.Call(ctx, "activate", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{m.contextTable(L, ec)}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: activate: %w", m.url, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return ToGoValue(results[0]), nil
}

// Deactivate calls the global deactivate() function if defined.
func (m *Module) Deactivate(ctx context.Context) error {
	if !m.state.HasFunc("deactivate") {
		return nil
	}
	if _, err := m.state.Call(ctx, "deactivate", nil); err != nil {
		return fmt.Errorf("%s: deactivate: %w", m.url, err)
	}
	return nil
}

// Close implements host.Module.
func (m *Module) Close() error {
	return m.state.Close()
}

// contextTable builds the Lua view of the activation context. Called with
// the state lock held.
func (m *Module) contextTable(L *lua.LState, ec *host.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("extensionId", lua.LString(ec.ExtensionID))
	t.RawSetString("extensionPath", lua.LString(ec.ExtensionPath))

	t.RawSetString("asAbsolutePath", L.NewFunction(func(L *lua.LState) int {
		p, err := ec.AsAbsolutePath(L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(p))
		return 1
	}))

	t.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		ec.Logger.Info(L.CheckString(1), zap.String("extension", ec.ExtensionID))
		return 0
	}))

	// subscribe(fn) runs fn when the extension deactivates
	t.RawSetString("subscribe", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		ec.Subscriptions.Add(host.DisposeFunc(func() error {
			_, err := m.state.CallFunc(context.Background(), fn)
			return err
		}))
		return 0
	}))

	if ec.GlobalState != nil {
		t.RawSetString("globalState", mementoTable(L, ec.GlobalState))
	}
	if ec.WorkspaceState != nil {
		t.RawSetString("workspaceState", mementoTable(L, ec.WorkspaceState))
	}
	return t
}

func mementoTable(L *lua.LState, mem *memento.Memento) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		v, ok := mem.Get(L.CheckString(1))
		if !ok {
			L.Push(L.Get(2))
			return 1
		}
		L.Push(ToLuaValue(L, v))
		return 1
	}))
	t.RawSetString("update", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		mem.Update(key, ToGoValue(L.Get(2)))
		return 0
	}))
	t.RawSetString("keys", L.NewFunction(func(L *lua.LState) int {
		L.Push(ToLuaValue(L, mem.Keys()))
		return 1
	}))
	return t
}
