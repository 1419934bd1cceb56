// Package host defines how extension entry points are loaded and driven.
//
// A PluginHost turns a sandboxed entry-point URL into a Module. Modules
// expose optional activate and deactivate hooks; a module that does not
// implement a hook treats it as a no-op.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Errors returned by hosts.
var (
	// ErrNoHost is returned when no host handles an entry point.
	ErrNoHost = errors.New("host: no plugin host for entry point")

	// ErrModuleNotFound is returned by Static for an unregistered URL.
	ErrModuleNotFound = errors.New("host: module not found")
)

// Module is a loaded extension entry point.
type Module interface {
	// Activate runs the activation hook and returns the module's exports.
	Activate(ctx context.Context, ec *Context) (any, error)

	// Deactivate runs the deactivation hook.
	Deactivate(ctx context.Context) error

	// Close releases runtime resources. The module is unusable afterwards.
	Close() error
}

// PluginHost loads entry points.
type PluginHost interface {
	Load(ctx context.Context, url string) (Module, error)
}

// Func adapts a function to PluginHost.
type Func func(ctx context.Context, url string) (Module, error)

// Load implements PluginHost.
func (f Func) Load(ctx context.Context, url string) (Module, error) {
	return f(ctx, url)
}

// Hooks is a Module built from optional functions. Nil hooks are no-ops.
type Hooks struct {
	OnActivate   func(ctx context.Context, ec *Context) (any, error)
	OnDeactivate func(ctx context.Context) error
	OnClose      func() error
}

// Activate implements Module.
func (h *Hooks) Activate(ctx context.Context, ec *Context) (any, error) {
	if h.OnActivate == nil {
		return nil, nil
	}
	return h.OnActivate(ctx, ec)
}

// Deactivate implements Module.
func (h *Hooks) Deactivate(ctx context.Context) error {
	if h.OnDeactivate == nil {
		return nil
	}
	return h.OnDeactivate(ctx)
}

// Close implements Module.
func (h *Hooks) Close() error {
	if h.OnClose == nil {
		return nil
	}
	return h.OnClose()
}

// Mux routes entry points to hosts by file extension (".lua", ".wasm").
type Mux struct {
	mu    sync.RWMutex
	hosts map[string]PluginHost
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{hosts: make(map[string]PluginHost)}
}

// Handle registers h for entry points ending in ext.
func (m *Mux) Handle(ext string, h PluginHost) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	m.mu.Lock()
	m.hosts[strings.ToLower(ext)] = h
	m.mu.Unlock()
}

// Extensions returns the registered file extensions.
func (m *Mux) Extensions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.hosts))
	for ext := range m.hosts {
		out = append(out, ext)
	}
	return out
}

// Load implements PluginHost.
func (m *Mux) Load(ctx context.Context, rawURL string) (Module, error) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))

	m.mu.RLock()
	h, ok := m.hosts[ext]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHost, rawURL)
	}
	return h.Load(ctx, rawURL)
}

// Static is an in-memory PluginHost that serves registered modules.
type Static struct {
	mu        sync.Mutex
	factories map[string]func() (Module, error)
	loads     map[string]int
}

// NewStatic creates an empty Static host.
func NewStatic() *Static {
	return &Static{
		factories: make(map[string]func() (Module, error)),
		loads:     make(map[string]int),
	}
}

// Register serves m for url.
func (s *Static) Register(url string, m Module) {
	s.RegisterFunc(url, func() (Module, error) { return m, nil })
}

// RegisterFunc serves the result of fn for url on every load.
func (s *Static) RegisterFunc(url string, fn func() (Module, error)) {
	s.mu.Lock()
	s.factories[url] = fn
	s.mu.Unlock()
}

// Load implements PluginHost.
func (s *Static) Load(ctx context.Context, url string) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	fn, ok := s.factories[url]
	if ok {
		s.loads[url]++
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, url)
	}
	return fn()
}

// Loads returns how many times url was loaded.
func (s *Static) Loads(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[url]
}
