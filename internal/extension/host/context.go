package host

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension/memento"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

// Context is handed to a module's activation hook.
type Context struct {
	ExtensionID    string
	ExtensionPath  string
	Subscriptions  *Subscriptions
	GlobalState    *memento.Memento
	WorkspaceState *memento.Memento
	Logger         *zap.Logger

	base *sandbox.Base
}

// NewContext creates an activation context rooted at base.
func NewContext(id string, base *sandbox.Base, global, workspace *memento.Memento, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		ExtensionID:    id,
		ExtensionPath:  base.String(),
		Subscriptions:  &Subscriptions{},
		GlobalState:    global,
		WorkspaceState: workspace,
		Logger:         logger,
		base:           base,
	}
}

// AsAbsolutePath resolves rel against the extension's base. It fails if
// the result would leave the base.
func (c *Context) AsAbsolutePath(rel string) (string, error) {
	return c.base.Resolve(rel)
}

// Disposable is a resource released when its extension deactivates.
type Disposable interface {
	Dispose() error
}

// DisposeFunc adapts a function to Disposable.
type DisposeFunc func() error

// Dispose implements Disposable.
func (f DisposeFunc) Dispose() error { return f() }

// Subscriptions collects disposables registered during activation.
type Subscriptions struct {
	mu    sync.Mutex
	items []Disposable
}

// Add appends disposables.
func (s *Subscriptions) Add(d ...Disposable) {
	s.mu.Lock()
	s.items = append(s.items, d...)
	s.mu.Unlock()
}

// Len returns the number of pending disposables.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// DisposeAll disposes in reverse registration order and empties the list.
// Every disposable is attempted; failures are joined.
func (s *Subscriptions) DisposeAll() error {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		if err := disposeSafely(items[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func disposeSafely(d Disposable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return d.Dispose()
}
