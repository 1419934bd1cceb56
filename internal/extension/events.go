package extension

import (
	"time"
)

// EventHandler handles controller events.
// Handlers must be non-blocking and should not call back into the
// Controller. Panics in handlers are recovered.
type EventHandler func(event Event)

// Event is a lifecycle notification.
type Event struct {
	Type        EventType
	ExtensionID string
	Error       error
	Time        time.Time
}

// EventType is the type of controller event.
type EventType int

const (
	// EventLoaded is emitted when an extension is registered.
	EventLoaded EventType = iota
	// EventActivated is emitted when an activation hook succeeds.
	EventActivated
	// EventActivationFailed is emitted when an activation attempt fails.
	EventActivationFailed
	// EventDeactivated is emitted when an extension is deactivated.
	EventDeactivated
	// EventUnloaded is emitted when an extension is removed.
	EventUnloaded
	// EventReloaded is emitted after a reload completes.
	EventReloaded
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventActivated:
		return "activated"
	case EventActivationFailed:
		return "activation-failed"
	case EventDeactivated:
		return "deactivated"
	case EventUnloaded:
		return "unloaded"
	case EventReloaded:
		return "reloaded"
	default:
		return "unknown"
	}
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (c *Controller) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	index := len(c.handlers) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(c.handlers) {
			c.handlers[index] = nil
		}
	}
}

// emit sends an event to all handlers outside any lock.
func (c *Controller) emit(typ EventType, id string, err error) {
	event := Event{Type: typ, ExtensionID: id, Error: err, Time: time.Now()}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				recover() // Ignore panics from handlers
			}()
			handler(event)
		}()
	}
}
