// Package memento provides per-extension persistent key/value state.
//
// Each extension gets two mementos, global and workspace. A memento is a
// JSON object stored as a single blob under "<prefix>.<extensionId>" in
// its namespace of the backing KeyValueStore. Storage and serialization
// failures never reach the extension: reads degrade to "missing" and
// writes become no-ops, with the cause logged at debug level.
package memento

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// Namespaces.
const (
	NamespaceGlobal    = "global"
	NamespaceWorkspace = "workspace"
)

var errInvalidBlob = errors.New("memento: update produced invalid JSON")

// DefaultPrefix is the storage key prefix used when none is configured.
const DefaultPrefix = "extension-state"

// Store hands out mementos backed by a KeyValueStore.
type Store struct {
	kv     KeyValueStore
	prefix string
	logger *zap.Logger

	// serializes read-modify-write of blobs
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the storage key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for swallowed errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store over kv.
func NewStore(kv KeyValueStore, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		prefix: DefaultPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Global returns the global memento for extID.
func (s *Store) Global(extID string) *Memento {
	return &Memento{store: s, namespace: NamespaceGlobal, key: s.storageKey(extID)}
}

// Workspace returns the workspace memento for extID.
func (s *Store) Workspace(extID string) *Memento {
	return &Memento{store: s, namespace: NamespaceWorkspace, key: s.storageKey(extID)}
}

func (s *Store) storageKey(extID string) string {
	return s.prefix + "." + extID
}

func (s *Store) load(namespace, key string) []byte {
	data, err := s.read(namespace, key)
	if err != nil {
		return nil
	}
	return data
}

// read returns the blob, or nil when it is missing or corrupt. Only
// storage failures are errors.
func (s *Store) read(namespace, key string) ([]byte, error) {
	data, ok, err := s.kv.Get(namespace, key)
	if err != nil {
		s.logger.Debug("state read failed",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
		return nil, err
	}
	if !ok || !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, nil
	}
	return data, nil
}

// Memento is one extension's state in one namespace.
type Memento struct {
	store     *Store
	namespace string
	key       string
}

// Namespace returns "global" or "workspace".
func (m *Memento) Namespace() string { return m.namespace }

// StorageKey returns the backing store key.
func (m *Memento) StorageKey() string { return m.key }

func (m *Memento) lookup(key string) gjson.Result {
	data := m.store.load(m.namespace, m.key)
	if data == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(data, gjson.Escape(key))
}

// Get returns the decoded value stored under key. Numbers decode as
// float64, objects as map[string]any.
func (m *Memento) Get(key string) (any, bool) {
	r := m.lookup(key)
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

// GetOr returns the value under key or def when missing.
func (m *Memento) GetOr(key string, def any) any {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

// Unmarshal decodes the value under key into v. It reports false if the
// key is missing or cannot be decoded into v.
func (m *Memento) Unmarshal(key string, v any) bool {
	r := m.lookup(key)
	if !r.Exists() {
		return false
	}
	if err := json.Unmarshal([]byte(r.Raw), v); err != nil {
		m.store.logger.Debug("state decode failed",
			zap.String("key", m.key),
			zap.String("field", key),
			zap.Error(err))
		return false
	}
	return true
}

// Keys returns the stored keys in insertion order.
func (m *Memento) Keys() []string {
	data := m.store.load(m.namespace, m.key)
	if data == nil {
		return nil
	}
	var keys []string
	gjson.ParseBytes(data).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}

// Update stores value under key. A nil value deletes the key. Values
// that cannot be encoded as JSON (NaN, channels, cycles) leave the state
// unchanged.
func (m *Memento) Update(key string, value any) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read(m.namespace, m.key)
	if err != nil {
		// a blind write would replace what could not be read
		return
	}
	if data == nil {
		data = []byte("{}")
	}

	next, err := m.apply(data, key, value)
	if err == nil && !gjson.ValidBytes(next) {
		err = errInvalidBlob
	}
	if err != nil {
		s.logger.Debug("state encode failed",
			zap.String("key", m.key),
			zap.String("field", key),
			zap.Error(err))
		return
	}

	if err := s.kv.Set(m.namespace, m.key, next); err != nil {
		s.logger.Debug("state write failed",
			zap.String("namespace", m.namespace),
			zap.String("key", m.key),
			zap.Error(err))
	}
}

func (m *Memento) apply(data []byte, key string, value any) ([]byte, error) {
	path := gjson.Escape(key)
	if value == nil {
		return sjson.DeleteBytes(data, path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(data, path, raw)
}

// Clear removes every key.
func (m *Memento) Clear() {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(m.namespace, m.key); err != nil {
		s.logger.Debug("state delete failed",
			zap.String("namespace", m.namespace),
			zap.String("key", m.key),
			zap.Error(err))
	}
}
