package extension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/exthost/internal/extension/activation"
	"github.com/dshills/exthost/internal/extension/host"
)

// Activate activates the extension and returns its exports. An active
// extension returns its cached exports; concurrent callers share one
// in-flight attempt. A failed attempt leaves the extension inactive and
// the next call tries again.
//
// If ctx is cancelled the caller stops waiting, but an attempt already in
// progress runs to completion.
func (c *Controller) Activate(ctx context.Context, id string) (any, error) {
	ext, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("activate %q: %w", id, ErrExtensionNotFound)
	}
	if ext.IsActive() {
		return ext.Exports(), nil
	}

	ch := c.activations.DoChan(id, func() (any, error) {
		return c.runActivation(context.WithoutCancel(ctx), ext)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

func (c *Controller) runActivation(ctx context.Context, ext *Extension) (any, error) {
	// a flight that finished just before this one started may have won
	if ext.IsActive() {
		return ext.Exports(), nil
	}
	if !ext.beginActivation() {
		return nil, fmt.Errorf("activate %q: %w (%s)", ext.ID, ErrExtensionBusy, ext.State())
	}

	start := time.Now()
	exports, mod, hctx, err := c.activateExtension(ctx, ext)
	took := time.Since(start)

	c.metrics.activationDuration.Observe(took.Seconds())
	c.metrics.activations.WithLabelValues(result(err)).Inc()

	if err != nil {
		err = fmt.Errorf("activate %q: %w", ext.ID, err)
		ext.markFailed(err)
		c.logger.Error("extension activation failed", zap.String("id", ext.ID), zap.Error(err))
		c.emit(EventActivationFailed, ext.ID, err)
		return nil, err
	}

	if !ext.markActive(mod, exports, hctx, took) {
		if hctx != nil {
			_ = hctx.Subscriptions.DisposeAll()
		}
		return nil, fmt.Errorf("activate %q: %w", ext.ID, ErrExtensionNotFound)
	}
	c.metrics.active.Inc()
	c.logger.Info("extension activated", zap.String("id", ext.ID), zap.Duration("took", took))
	c.emit(EventActivated, ext.ID, nil)
	return exports, nil
}

func (c *Controller) activateExtension(ctx context.Context, ext *Extension) (any, host.Module, *host.Context, error) {
	if err := c.checkDependencies(ext.ID); err != nil {
		return nil, nil, nil, err
	}
	for _, dep := range ext.Manifest.ExtensionDependencies {
		if _, err := c.Activate(ctx, dep); err != nil {
			return nil, nil, nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}

	hctx := host.NewContext(
		ext.ID,
		ext.Base,
		c.state.Global(ext.ID),
		c.state.Workspace(ext.ID),
		c.logger.With(zap.String("extension", ext.ID)),
	)

	entry := ext.Manifest.EntryPoint()
	if entry == "" {
		// metadata-only extension
		return nil, nil, hctx, nil
	}

	mod := ext.loadedModule()
	if mod == nil {
		url, err := ext.Base.Resolve(entry)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("entry point %q: %w", entry, err)
		}
		if c.host == nil {
			return nil, nil, nil, ErrNoPluginHost
		}
		mod, err = c.host.Load(ctx, url)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load entry point %s: %w", url, err)
		}
		if !ext.setModule(mod) {
			if cerr := mod.Close(); cerr != nil {
				c.logger.Warn("extension module close failed", zap.String("id", ext.ID), zap.Error(cerr))
			}
			return nil, nil, nil, ErrExtensionNotFound
		}
	}

	exports, err := callActivate(ctx, mod, hctx)
	if err != nil {
		if derr := hctx.Subscriptions.DisposeAll(); derr != nil {
			c.logger.Warn("extension subscription dispose failed", zap.String("id", ext.ID), zap.Error(derr))
		}
		return nil, nil, nil, err
	}
	return exports, mod, hctx, nil
}

// checkDependencies walks the declared dependency graph from id and fails
// on a missing extension or a cycle.
func (c *Controller) checkDependencies(id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int)
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(append(path, id), " -> "))
		}
		ext, ok := c.extensions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDependencyNotFound, id)
		}

		marks[id] = visiting
		path = append(path, id)
		for _, dep := range ext.Manifest.ExtensionDependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[id] = done
		return nil
	}
	return visit(id)
}

func callActivate(ctx context.Context, mod host.Module, hctx *host.Context) (exports any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &host.PanicError{Value: r}
		}
	}()
	return mod.Activate(ctx, hctx)
}

func callDeactivate(ctx context.Context, mod host.Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &host.PanicError{Value: r}
		}
	}()
	return mod.Deactivate(ctx)
}

// Dispatch activates every inactive extension registered for event.
// Activations run concurrently; one failure does not prevent the others.
// Failures are logged and returned joined.
func (c *Controller) Dispatch(ctx context.Context, event string) error {
	ids := c.index.Lookup(event)
	c.metrics.dispatches.WithLabelValues(activation.Kind(event)).Inc()

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.maxParallel)

	for _, id := range ids {
		id := id
		ext, ok := c.Get(id)
		if !ok || ext.IsActive() {
			continue
		}
		g.Go(func() error {
			if _, err := c.Activate(ctx, id); err != nil {
				c.logger.Warn("activation on event failed",
					zap.String("event", event),
					zap.String("id", id),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("event dispatched", zap.String("event", event), zap.Int("listeners", len(ids)))
	return errors.Join(errs...)
}
