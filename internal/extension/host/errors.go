package host

import "fmt"

// PanicError wraps a value recovered from a panicking hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("host: hook panicked: %v", e.Value)
}
