package extension

import (
	"sync"
	"time"

	"github.com/dshills/exthost/internal/extension/host"
	"github.com/dshills/exthost/internal/extension/manifest"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

// Extension is a loaded extension. Its identity fields are immutable; the
// lifecycle fields are read through accessors.
type Extension struct {
	ID       string
	Manifest *manifest.Manifest
	Base     *sandbox.Base

	// Location is the caller-supplied location the extension was loaded from.
	Location string

	mu          sync.RWMutex
	state       State
	module      host.Module
	exports     any
	hostCtx     *host.Context
	err         error
	loadedAt    time.Time
	activatedAt time.Time
	activation  time.Duration
}

func newExtension(m *manifest.Manifest, base *sandbox.Base, location string) *Extension {
	return &Extension{
		ID:       m.ID(),
		Manifest: m,
		Base:     base,
		Location: location,
		state:    StateRegistered,
		loadedAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (e *Extension) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsActive reports whether the activation hook has completed successfully
// and the extension has not since been deactivated.
func (e *Extension) IsActive() bool {
	return e.State() == StateActive
}

// Exports returns the value returned by the activation hook.
func (e *Extension) Exports() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exports
}

// Err returns the last activation error, if any.
func (e *Extension) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Info is a point-in-time view of an extension.
type Info struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Publisher        string    `json:"publisher"`
	Version          string    `json:"version"`
	DisplayName      string    `json:"displayName,omitempty"`
	Description      string    `json:"description,omitempty"`
	Base             string    `json:"base"`
	State            State     `json:"state"`
	Active           bool      `json:"active"`
	ActivationEvents []string  `json:"activationEvents,omitempty"`
	Dependencies     []string  `json:"extensionDependencies,omitempty"`
	Error            string    `json:"error,omitempty"`
	LoadedAt         time.Time `json:"loadedAt"`
	ActivatedAt      time.Time `json:"activatedAt,omitempty"`
	ActivationTime   string    `json:"activationTime,omitempty"`
}

// Info returns a snapshot of the extension.
func (e *Extension) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := Info{
		ID:               e.ID,
		Name:             e.Manifest.Name,
		Publisher:        e.Manifest.Publisher,
		Version:          e.Manifest.Version,
		DisplayName:      e.Manifest.DisplayName,
		Description:      e.Manifest.Description,
		Base:             e.Base.String(),
		State:            e.state,
		Active:           e.state == StateActive,
		ActivationEvents: e.Manifest.ActivationEvents,
		Dependencies:     e.Manifest.ExtensionDependencies,
		LoadedAt:         e.loadedAt,
		ActivatedAt:      e.activatedAt,
	}
	if e.err != nil {
		info.Error = e.err.Error()
	}
	if e.activation > 0 {
		info.ActivationTime = e.activation.String()
	}
	return info
}

// beginActivation moves a registered or failed extension to activating.
// It returns false if the extension is already active or busy.
func (e *Extension) beginActivation() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateRegistered, StateError:
		e.state = StateActivating
		return true
	default:
		return false
	}
}

func (e *Extension) loadedModule() host.Module {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.module
}

// markActive records a successful activation. It reports false if the
// extension was unloaded while the hook ran.
func (e *Extension) markActive(mod host.Module, exports any, hctx *host.Context, took time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActivating {
		return false
	}
	e.state = StateActive
	e.module = mod
	e.exports = exports
	e.hostCtx = hctx
	e.err = nil
	e.activatedAt = time.Now()
	e.activation = took
	return true
}

func (e *Extension) markFailed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateActivating {
		e.state = StateError
	}
	e.exports = nil
	e.hostCtx = nil
	e.err = err
}

// beginDeactivation moves an active extension to deactivating and returns
// what needs tearing down. ok is false if the extension is not active.
func (e *Extension) beginDeactivation() (mod host.Module, hctx *host.Context, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return nil, nil, false
	}
	e.state = StateDeactivating
	return e.module, e.hostCtx, true
}

func (e *Extension) markDeactivated() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateRegistered
	e.exports = nil
	e.hostCtx = nil
}

// release detaches the module and marks the record unloaded.
func (e *Extension) release() host.Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	mod := e.module
	e.module = nil
	e.exports = nil
	e.hostCtx = nil
	e.state = StateUnloaded
	return mod
}

// setModule attaches a freshly loaded module. It reports false if the
// extension was unloaded meanwhile; the caller then owns mod.
func (e *Extension) setModule(mod host.Module) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUnloaded {
		return false
	}
	e.module = mod
	return true
}
