// Package contrib records which extension owns each registered capability.
//
// Commands, languages, themes, debuggers and configuration settings are
// keyed by their own identifier with a single owner per key; registering an
// existing key silently replaces the owner (last writer wins). Keybindings
// are an append-only list because several bindings may target one command.
package contrib

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dshills/exthost/internal/extension/manifest"
)

// Kind identifies a contribution map.
type Kind string

// Contribution kinds.
const (
	KindCommand       Kind = "commands"
	KindLanguage      Kind = "languages"
	KindTheme         Kind = "themes"
	KindKeybinding    Kind = "keybindings"
	KindDebugger      Kind = "debuggers"
	KindConfiguration Kind = "configuration"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{KindCommand, KindLanguage, KindTheme, KindKeybinding, KindDebugger, KindConfiguration}

// Registry errors.
var (
	// ErrUnknownKind is returned for a Kind the registry does not hold.
	ErrUnknownKind = errors.New("contrib: unknown contribution kind")

	// ErrEmptyKey is returned when registering without a key.
	ErrEmptyKey = errors.New("contrib: empty contribution key")

	// ErrUnknownSetting is returned when validating an unregistered setting.
	ErrUnknownSetting = errors.New("contrib: unknown setting")

	// ErrInvalidSetting is returned when a value violates its setting schema.
	ErrInvalidSetting = errors.New("contrib: invalid setting value")
)

// Record is a single registered contribution.
type Record struct {
	Kind        Kind   `json:"kind"`
	Key         string `json:"key"`
	ExtensionID string `json:"extensionId"`
	Payload     any    `json:"payload"`
}

// Registry holds the per-kind contribution maps. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	keyed       map[Kind]map[string]Record
	keybindings []Record

	// compiled setting schemas, keyed by setting key
	schemas map[string]*jsonschema.Schema
	// bumped whenever a setting key is registered or removed
	schemaGen map[string]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		keyed:     make(map[Kind]map[string]Record),
		schemas:   make(map[string]*jsonschema.Schema),
		schemaGen: make(map[string]uint64),
	}
	for _, k := range Kinds {
		if k != KindKeybinding {
			r.keyed[k] = make(map[string]Record)
		}
	}
	return r
}

// Register records payload under key for extID, replacing any previous owner.
// Keybindings are appended.
func (r *Registry) Register(kind Kind, key, extID string, payload any) error {
	if key == "" {
		return fmt.Errorf("%w (%s, owner %s)", ErrEmptyKey, kind, extID)
	}
	rec := Record{Kind: kind, Key: key, ExtensionID: extID, Payload: payload}

	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == KindKeybinding {
		r.keybindings = append(r.keybindings, rec)
		return nil
	}
	m, ok := r.keyed[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	m[key] = rec
	if kind == KindConfiguration {
		r.invalidateSchema(key)
	}
	return nil
}

// Unregister removes key only if extID is its current owner. For
// keybindings, every binding with that key (command id) owned by extID is
// removed. It reports whether anything was removed.
func (r *Registry) Unregister(kind Kind, key, extID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == KindKeybinding {
		return r.removeKeybindings(func(rec Record) bool {
			return rec.Key == key && rec.ExtensionID == extID
		}) > 0
	}

	m, ok := r.keyed[kind]
	if !ok {
		return false
	}
	rec, ok := m[key]
	if !ok || rec.ExtensionID != extID {
		return false
	}
	delete(m, key)
	if kind == KindConfiguration {
		r.invalidateSchema(key)
	}
	return true
}

// invalidateSchema drops a cached setting schema. Must be called with mu held.
func (r *Registry) invalidateSchema(key string) {
	delete(r.schemas, key)
	r.schemaGen[key]++
}

// removeKeybindings drops matching bindings. Must be called with mu held.
func (r *Registry) removeKeybindings(match func(Record) bool) int {
	kept := r.keybindings[:0]
	removed := 0
	for _, rec := range r.keybindings {
		if match(rec) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(r.keybindings); i++ {
		r.keybindings[i] = Record{}
	}
	r.keybindings = kept
	return removed
}

// RegisterManifest registers every contribution declared in c for extID.
// Registration errors are collected; valid entries are still registered.
func (r *Registry) RegisterManifest(extID string, c *manifest.Contributions) error {
	if c == nil {
		return nil
	}
	var errs []error
	add := func(kind Kind, key string, payload any) {
		if err := r.Register(kind, key, extID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cmd := range c.Commands {
		add(KindCommand, cmd.Command, cmd)
	}
	for _, lang := range c.Languages {
		add(KindLanguage, lang.ID, lang)
	}
	for _, theme := range c.Themes {
		add(KindTheme, theme.Label, theme)
	}
	for _, kb := range c.Keybindings {
		add(KindKeybinding, kb.Command, kb)
	}
	for _, dbg := range c.Debuggers {
		add(KindDebugger, dbg.Type, dbg)
	}
	for _, cfg := range c.Configuration {
		for key, schema := range cfg.Properties {
			add(KindConfiguration, key, schema)
		}
	}
	return errors.Join(errs...)
}

// UnregisterManifest removes the contributions declared in c, but only
// entries still owned by extID. It returns the number of entries removed.
func (r *Registry) UnregisterManifest(extID string, c *manifest.Contributions) int {
	if c == nil {
		return 0
	}
	removed := 0
	drop := func(kind Kind, key string) {
		if r.Unregister(kind, key, extID) {
			removed++
		}
	}
	for _, cmd := range c.Commands {
		drop(KindCommand, cmd.Command)
	}
	for _, lang := range c.Languages {
		drop(KindLanguage, lang.ID)
	}
	for _, theme := range c.Themes {
		drop(KindTheme, theme.Label)
	}
	for _, dbg := range c.Debuggers {
		drop(KindDebugger, dbg.Type)
	}
	for _, cfg := range c.Configuration {
		for key := range cfg.Properties {
			drop(KindConfiguration, key)
		}
	}

	r.mu.Lock()
	removed += r.removeKeybindings(func(rec Record) bool {
		return rec.ExtensionID == extID
	})
	r.mu.Unlock()

	return removed
}

// Lookup returns the record for a keyed contribution.
func (r *Registry) Lookup(kind Kind, key string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keyed[kind][key]
	return rec, ok
}

// Owner returns the extension that currently owns key.
func (r *Registry) Owner(kind Kind, key string) (string, bool) {
	rec, ok := r.Lookup(kind, key)
	return rec.ExtensionID, ok
}

// Records returns a snapshot of all records of a kind, sorted by key then
// owner. Keybindings with the same key and owner keep registration order.
func (r *Registry) Records(kind Kind) []Record {
	r.mu.RLock()
	var out []Record
	if kind == KindKeybinding {
		out = append([]Record(nil), r.keybindings...)
	} else {
		m := r.keyed[kind]
		out = make([]Record, 0, len(m))
		for _, rec := range m {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].ExtensionID < out[j].ExtensionID
	})
	return out
}

// Commands returns all registered commands.
func (r *Registry) Commands() []Record { return r.Records(KindCommand) }

// Languages returns all registered languages.
func (r *Registry) Languages() []Record { return r.Records(KindLanguage) }

// Themes returns all registered themes.
func (r *Registry) Themes() []Record { return r.Records(KindTheme) }

// Keybindings returns all keybindings in registration order.
func (r *Registry) Keybindings() []Record { return r.Records(KindKeybinding) }

// Debuggers returns all registered debugger types.
func (r *Registry) Debuggers() []Record { return r.Records(KindDebugger) }

// Settings returns all registered configuration settings.
func (r *Registry) Settings() []Record { return r.Records(KindConfiguration) }

// Snapshot returns every kind's records.
func (r *Registry) Snapshot() map[Kind][]Record {
	out := make(map[Kind][]Record, len(Kinds))
	for _, k := range Kinds {
		out[k] = r.Records(k)
	}
	return out
}

// OwnedBy returns the number of records extID currently owns.
func (r *Registry) OwnedBy(extID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, m := range r.keyed {
		for _, rec := range m {
			if rec.ExtensionID == extID {
				n++
			}
		}
	}
	for _, rec := range r.keybindings {
		if rec.ExtensionID == extID {
			n++
		}
	}
	return n
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// marshalPayload is used by callers that need the raw JSON form of a payload.
func marshalPayload(p any) ([]byte, error) {
	if raw, ok := p.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(p)
}
