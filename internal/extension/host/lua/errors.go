package lua

import "errors"

// Errors for Lua modules.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a call exceeds its execution timeout.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrNoFunction is returned when calling an undefined global function.
	ErrNoFunction = errors.New("lua function not defined")

	// ErrLoad is returned when an entry point cannot be fetched or compiled.
	ErrLoad = errors.New("lua load failed")
)
