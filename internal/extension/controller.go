package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/exthost/internal/extension/activation"
	"github.com/dshills/exthost/internal/extension/contrib"
	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/host"
	"github.com/dshills/exthost/internal/extension/manifest"
	"github.com/dshills/exthost/internal/extension/memento"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

// DefaultMaxParallelActivations bounds concurrent activations per Dispatch.
const DefaultMaxParallelActivations = 8

// Config configures a Controller.
type Config struct {
	// Sandbox validates extension locations. Required.
	Sandbox *sandbox.Sandbox

	// Fetcher retrieves manifests. Required.
	Fetcher fetch.Fetcher

	// Host loads entry points. Extensions with an entry point fail to
	// activate when nil.
	Host host.PluginHost

	// State backs extension mementos. Defaults to an in-memory store.
	State *memento.Store

	// HostVersion is checked against manifests' engine constraints.
	// Empty skips the check.
	HostVersion string

	// MaxParallelActivations bounds Dispatch fan-out.
	MaxParallelActivations int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Controller manages the lifecycle of all extensions.
type Controller struct {
	mu sync.RWMutex

	// Loaded extensions by id
	extensions map[string]*Extension

	// Normalized base URL -> id
	byBase map[string]string

	// Extension load order (for deterministic iteration)
	loadOrder []string

	// Event handlers (protected by mu)
	handlers []EventHandler

	sandbox     *sandbox.Sandbox
	resolver    *manifest.Resolver
	host        host.PluginHost
	contrib     *contrib.Registry
	index       *activation.Index
	state       *memento.Store
	logger      *zap.Logger
	metrics     *Metrics
	maxParallel int

	loads       singleflight.Group // keyed by base
	activations singleflight.Group // keyed by id
}

// NewController creates a controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Sandbox == nil {
		return nil, ErrNilSandbox
	}
	if cfg.Fetcher == nil {
		return nil, ErrNilFetcher
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []manifest.ResolverOption
	if cfg.HostVersion != "" {
		v, err := semver.NewVersion(cfg.HostVersion)
		if err != nil {
			return nil, fmt.Errorf("host version %q: %w", cfg.HostVersion, err)
		}
		opts = append(opts, manifest.WithHostVersion(v))
	}

	state := cfg.State
	if state == nil {
		state = memento.NewStore(memento.NewMemoryStore(), memento.WithLogger(logger))
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	maxParallel := cfg.MaxParallelActivations
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelActivations
	}

	return &Controller{
		extensions:  make(map[string]*Extension),
		byBase:      make(map[string]string),
		sandbox:     cfg.Sandbox,
		resolver:    manifest.NewResolver(cfg.Fetcher, opts...),
		host:        cfg.Host,
		contrib:     contrib.NewRegistry(),
		index:       activation.NewIndex(),
		state:       state,
		logger:      logger,
		metrics:     metrics,
		maxParallel: maxParallel,
	}, nil
}

// Load sandboxes location, resolves its manifest and registers the
// extension. Loading a location (or an id) that is already loaded returns
// the existing record without fetching again. Extensions declaring the
// "*" activation event are activated before Load returns; an activation
// failure there is reported through events and the log, not the error.
func (c *Controller) Load(ctx context.Context, location string) (*Extension, error) {
	base, err := c.sandbox.Base(location)
	if err != nil {
		c.metrics.loads.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("load %q: %w", location, err)
	}

	if ext, ok := c.lookupBase(base.String()); ok {
		return ext, nil
	}

	// the shared load must not fail because one waiter gave up
	flightCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(base.String(), func() (any, error) {
		return c.load(flightCtx, location, base)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Extension), nil
	}
}

// Find returns the extension loaded from location, if any.
func (c *Controller) Find(location string) (*Extension, bool) {
	base, err := c.sandbox.Base(location)
	if err != nil {
		return nil, false
	}
	return c.lookupBase(base.String())
}

func (c *Controller) lookupBase(key string) (*Extension, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byBase[key]
	if !ok {
		return nil, false
	}
	ext, ok := c.extensions[id]
	return ext, ok
}

func (c *Controller) load(ctx context.Context, location string, base *sandbox.Base) (*Extension, error) {
	key := base.String()
	if ext, ok := c.lookupBase(key); ok {
		return ext, nil
	}

	m, err := c.resolver.Resolve(ctx, base)
	c.metrics.loads.WithLabelValues(result(err)).Inc()
	if err != nil {
		c.logger.Warn("extension load failed", zap.String("location", location), zap.Error(err))
		return nil, fmt.Errorf("load %q: %w", location, err)
	}

	id := m.ID()

	c.mu.Lock()
	if existing, ok := c.extensions[id]; ok {
		c.byBase[key] = id
		c.mu.Unlock()
		c.logger.Debug("extension already loaded",
			zap.String("id", id),
			zap.String("location", location),
			zap.String("base", existing.Base.String()))
		return existing, nil
	}

	ext := newExtension(m, base, location)
	if err := c.contrib.RegisterManifest(id, m.Contributes); err != nil {
		c.logger.Warn("extension contribution skipped", zap.String("id", id), zap.Error(err))
	}
	c.index.Add(id, m.ActivationEvents...)
	c.extensions[id] = ext
	c.byBase[key] = id
	c.loadOrder = append(c.loadOrder, id)
	c.mu.Unlock()

	c.metrics.loaded.Inc()
	c.logger.Info("extension loaded",
		zap.String("id", id),
		zap.String("version", m.Version),
		zap.String("base", key))
	c.emit(EventLoaded, id, nil)

	if m.ActivatesOnStartup() {
		if _, err := c.Activate(ctx, id); err != nil {
			c.logger.Warn("startup activation failed", zap.String("id", id), zap.Error(err))
		}
	}
	return ext, nil
}

// LoadAll loads every location. It does not stop at the first failure;
// all failures are joined.
func (c *Controller) LoadAll(ctx context.Context, locations ...string) ([]*Extension, error) {
	var (
		loaded []*Extension
		errs   []error
	)
	for _, loc := range locations {
		ext, err := c.Load(ctx, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, ext)
	}
	return loaded, errors.Join(errs...)
}

// Deactivate runs the deactivation hook and disposes subscriptions.
// Hook and disposal errors are logged, never returned, and the extension
// is always left inactive. Unknown or inactive extensions are a no-op.
func (c *Controller) Deactivate(ctx context.Context, id string) error {
	ext, ok := c.Get(id)
	if !ok {
		return nil
	}
	mod, hctx, ok := ext.beginDeactivation()
	if !ok {
		return nil
	}

	var hookErr error
	if mod != nil {
		hookErr = callDeactivate(ctx, mod)
		if hookErr != nil {
			c.logger.Warn("extension deactivate hook failed", zap.String("id", id), zap.Error(hookErr))
		}
	}
	if hctx != nil {
		if err := hctx.Subscriptions.DisposeAll(); err != nil {
			c.logger.Warn("extension subscription dispose failed", zap.String("id", id), zap.Error(err))
		}
	}

	ext.markDeactivated()
	c.activations.Forget(id)

	c.metrics.active.Dec()
	c.metrics.deactivations.WithLabelValues(result(hookErr)).Inc()
	c.logger.Info("extension deactivated", zap.String("id", id))
	c.emit(EventDeactivated, id, hookErr)
	return nil
}

// Unload deactivates the extension, removes the contributions it still
// owns, prunes its activation events, closes its module and forgets it.
// Unknown ids are a no-op.
func (c *Controller) Unload(ctx context.Context, id string) error {
	ext, ok := c.Get(id)
	if !ok {
		return nil
	}

	if err := c.Deactivate(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	if c.extensions[id] != ext {
		// unloaded concurrently
		c.mu.Unlock()
		return nil
	}
	delete(c.extensions, id)
	for base, owner := range c.byBase {
		if owner == id {
			delete(c.byBase, base)
		}
	}
	c.removeFromLoadOrder(id)
	removed := c.contrib.UnregisterManifest(id, ext.Manifest.Contributes)
	c.index.Remove(id)
	c.mu.Unlock()

	if mod := ext.release(); mod != nil {
		if err := mod.Close(); err != nil {
			c.logger.Warn("extension module close failed", zap.String("id", id), zap.Error(err))
		}
	}

	c.metrics.loaded.Dec()
	c.logger.Info("extension unloaded", zap.String("id", id), zap.Int("contributions_removed", removed))
	c.emit(EventUnloaded, id, nil)
	return nil
}

// Reload unloads and loads the extension from its original location,
// reactivating it if it was active.
func (c *Controller) Reload(ctx context.Context, id string) (*Extension, error) {
	ext, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("reload %q: %w", id, ErrExtensionNotFound)
	}
	wasActive := ext.IsActive()

	if err := c.Unload(ctx, id); err != nil {
		return nil, fmt.Errorf("reload unload failed: %w", err)
	}

	next, err := c.Load(ctx, ext.Location)
	if err != nil {
		c.emit(EventReloaded, id, err)
		return nil, fmt.Errorf("reload load failed: %w", err)
	}

	if wasActive && !next.IsActive() {
		if _, err := c.Activate(ctx, next.ID); err != nil {
			c.logger.Warn("reactivation after reload failed", zap.String("id", next.ID), zap.Error(err))
		}
	}

	c.emit(EventReloaded, next.ID, nil)
	return next, nil
}

// Shutdown unloads every extension in reverse load order.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	ids := make([]string, len(c.loadOrder))
	copy(ids, c.loadOrder)
	c.mu.RUnlock()

	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := c.Unload(ctx, ids[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ids[i], err))
		}
	}
	return errors.Join(errs...)
}

// Get returns a loaded extension by id.
func (c *Controller) Get(id string) (*Extension, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ext, ok := c.extensions[id]
	return ext, ok
}

// Extensions returns all loaded extensions in load order.
func (c *Controller) Extensions() []*Extension {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Extension, 0, len(c.loadOrder))
	for _, id := range c.loadOrder {
		if ext, ok := c.extensions[id]; ok {
			out = append(out, ext)
		}
	}
	return out
}

// ActiveExtensions returns the active extensions in load order.
func (c *Controller) ActiveExtensions() []*Extension {
	var out []*Extension
	for _, ext := range c.Extensions() {
		if ext.IsActive() {
			out = append(out, ext)
		}
	}
	return out
}

// Count returns the number of loaded extensions.
func (c *Controller) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.extensions)
}

// Errors returns the last activation error of every extension in StateError.
func (c *Controller) Errors() map[string]error {
	errs := make(map[string]error)
	for _, ext := range c.Extensions() {
		if ext.State() == StateError {
			errs[ext.ID] = ext.Err()
		}
	}
	return errs
}

// Contributions returns the contribution registry.
func (c *Controller) Contributions() *contrib.Registry {
	return c.contrib
}

// Events returns the activation event index.
func (c *Controller) Events() *activation.Index {
	return c.index
}

// State returns the memento store.
func (c *Controller) State() *memento.Store {
	return c.state
}

// removeFromLoadOrder removes an id from the load order slice.
// Must be called with mu held.
func (c *Controller) removeFromLoadOrder(id string) {
	for i, n := range c.loadOrder {
		if n == id {
			c.loadOrder = append(c.loadOrder[:i], c.loadOrder[i+1:]...)
			return
		}
	}
}
