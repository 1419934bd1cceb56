package extension

// State represents the lifecycle state of an extension.
type State int

// Extension states.
const (
	// StateUnloaded - Extension has been removed from the controller.
	StateUnloaded State = iota

	// StateRegistered - Extension is loaded but not active.
	StateRegistered

	// StateActivating - Activation is in flight.
	StateActivating

	// StateActive - Activation hook completed successfully.
	StateActive

	// StateDeactivating - Deactivation is in progress.
	StateDeactivating

	// StateError - Last activation failed. The extension is still loaded.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateRegistered:
		return "registered"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
