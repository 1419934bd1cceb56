package extension

import "errors"

// Controller errors.
var (
	// ErrExtensionNotFound is returned when an id is not loaded.
	ErrExtensionNotFound = errors.New("extension not found")

	// ErrDependencyNotFound is returned when a declared extension
	// dependency is not loaded.
	ErrDependencyNotFound = errors.New("extension dependency not found")

	// ErrCyclicDependency is returned when extension dependencies form a cycle.
	ErrCyclicDependency = errors.New("cyclic extension dependency detected")

	// ErrNoPluginHost is returned when an extension has an entry point but
	// the controller has no plugin host.
	ErrNoPluginHost = errors.New("no plugin host configured")

	// ErrNilSandbox is returned by NewController without a sandbox.
	ErrNilSandbox = errors.New("sandbox is nil")

	// ErrNilFetcher is returned by NewController without a fetcher.
	ErrNilFetcher = errors.New("fetcher is nil")
)

// ErrExtensionBusy is returned when activation is requested while the
// extension is deactivating.
var ErrExtensionBusy = errors.New("extension is busy")
