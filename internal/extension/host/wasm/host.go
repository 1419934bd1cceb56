// Package wasm hosts extension entry points compiled to WebAssembly.
//
// Modules share one wazero runtime with WASI preview1 and an "exthost"
// import module:
//
//	(import "exthost" "log" (func (param i32 i32)))  ;; ptr, len of a UTF-8 message
//
// A module may export:
//
//	(func (export "activate") (result i32))   ;; non-zero is a failure code
//	(func (export "deactivate"))
//
// Reactor-style modules exporting "_initialize" are initialized on load.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/host"
)

// ImportModule is the name of the host import module.
const ImportModule = "exthost"

// Errors for WASM modules.
var (
	// ErrLoad is returned when an entry point cannot be fetched, compiled
	// or instantiated.
	ErrLoad = errors.New("wasm load failed")

	// ErrActivate is returned when activate reports a non-zero code.
	ErrActivate = errors.New("wasm activate failed")

	// ErrClosed is returned after the host has been closed.
	ErrClosed = errors.New("wasm host is closed")
)

// Host loads WASM entry points fetched over a Fetcher.
type Host struct {
	fetcher fetch.Fetcher
	logger  *zap.Logger

	mu      sync.Mutex
	runtime wazero.Runtime
	closed  bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used for modules without an activation
// context logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a WASM host and its runtime.
func New(ctx context.Context, f fetch.Fetcher, opts ...Option) (*Host, error) {
	h := &Host{fetcher: f, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	_, err := rt.NewHostModuleBuilder(ImportModule).
		NewFunctionBuilder().WithFunc(h.log).Export("log").
		Instantiate(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate %s imports: %w", ImportModule, err)
	}

	h.runtime = rt
	return h, nil
}

type loggerKey struct{}

// log is the "exthost.log" import.
func (h *Host) log(ctx context.Context, m api.Module, ptr, size uint32) {
	l := h.logger
	if v, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		l = v
	}
	mem := m.Memory()
	if mem == nil {
		return
	}
	buf, ok := mem.Read(ptr, size)
	if !ok {
		l.Warn("wasm log out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", size))
		return
	}
	l.Info(string(buf))
}

// Load implements host.PluginHost.
func (h *Host) Load(ctx context.Context, url string) (host.Module, error) {
	bin, err := h.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, url, err)
	}

	h.mu.Lock()
	rt, closed := h.runtime, h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: compile: %v", ErrLoad, url, err)
	}

	// anonymous so the same entry point can be instantiated more than once
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %s: instantiate: %v", ErrLoad, url, err)
	}

	h.logger.Debug("wasm module loaded", zap.String("url", url))
	return &Module{url: url, compiled: compiled, mod: mod}, nil
}

// Close closes the runtime and every module instantiated in it.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.runtime.Close(ctx)
}

// Module is an instantiated WASM entry point.
type Module struct {
	url      string
	compiled wazero.CompiledModule
	mod      api.Module

	mu sync.Mutex
}

// Exports returns the names of the module's exported functions.
func (m *Module) Exports() []string {
	defs := m.mod.ExportedFunctionDefinitions()
	out := make([]string, 0, len(defs))
	for name := range defs {
		out = append(out, name)
	}
	return out
}

// Activate calls the exported activate function if present.
func (m *Module) Activate(ctx context.Context, ec *host.Context) (any, error) {
	fn := m.mod.ExportedFunction("activate")
	if fn == nil {
		return nil, nil
	}
	if ec != nil && ec.Logger != nil {
		ctx = context.WithValue(ctx, loggerKey{}, ec.Logger.With(zap.String("extension", ec.ExtensionID)))
	}

	m.mu.Lock()
	res, err := fn.Call(ctx)
	m.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%s: activate: %w", m.url, err)
	}
	if len(res) > 0 {
		if code := api.DecodeI32(res[0]); code != 0 {
			return nil, fmt.Errorf("%w: %s: code %d", ErrActivate, m.url, code)
		}
	}
	return nil, nil
}

// Deactivate calls the exported deactivate function if present.
func (m *Module) Deactivate(ctx context.Context) error {
	fn := m.mod.ExportedFunction("deactivate")
	if fn == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := fn.Call(ctx); err != nil {
		return fmt.Errorf("%s: deactivate: %w", m.url, err)
	}
	return nil
}

// Close implements host.Module.
func (m *Module) Close() error {
	ctx := context.Background()
	err := m.mod.Close(ctx)
	return errors.Join(err, m.compiled.Close(ctx))
}
