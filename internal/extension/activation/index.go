// Package activation maps activation events to the extensions that declare
// interest in them.
package activation

import (
	"sort"
	"strings"
	"sync"
)

// Well-known activation events.
const (
	// Startup activates an extension as soon as it is loaded.
	Startup = "*"

	// OnStartupFinished is dispatched once all startup extensions are loaded.
	OnStartupFinished = "onStartupFinished"
)

// Index is a concurrent event -> extension id set.
type Index struct {
	mu     sync.RWMutex
	events map[string]map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{events: make(map[string]map[string]struct{})}
}

// Add registers extID for each event. Blank events are ignored.
func (x *Index) Add(extID string, events ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, ev := range events {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		set, ok := x.events[ev]
		if !ok {
			set = make(map[string]struct{})
			x.events[ev] = set
		}
		set[extID] = struct{}{}
	}
}

// Remove drops extID from every event and prunes empty events.
func (x *Index) Remove(extID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for ev, set := range x.events {
		delete(set, extID)
		if len(set) == 0 {
			delete(x.events, ev)
		}
	}
}

// Lookup returns the ids registered for event, sorted.
func (x *Index) Lookup(event string) []string {
	x.mu.RLock()
	set := x.events[event]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	x.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Events returns every event with at least one listener, sorted.
func (x *Index) Events() []string {
	x.mu.RLock()
	events := make([]string, 0, len(x.events))
	for ev := range x.events {
		events = append(events, ev)
	}
	x.mu.RUnlock()

	sort.Strings(events)
	return events
}

// Interested reports whether extID listens for event.
func (x *Index) Interested(event, extID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.events[event][extID]
	return ok
}

// Len returns the number of distinct events.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.events)
}

// Kind returns the prefix of an event such as "onLanguage" for
// "onLanguage:go". Events without an argument are returned unchanged.
func Kind(event string) string {
	if i := strings.IndexByte(event, ':'); i >= 0 {
		return event[:i]
	}
	return event
}
