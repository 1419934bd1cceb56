package memento

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in RAM.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives badger's internal log output. Nil disables it.
	Logger *zap.Logger
}

// BadgerStore is a KeyValueStore backed by BadgerDB. Keys are stored as
// "<namespace>/<key>".
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a BadgerDB-backed store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("memento: badger path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("memento: create state directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{l: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("memento: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

// Get implements KeyValueStore.
func (b *BadgerStore) Get(namespace, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(namespace, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Set implements KeyValueStore.
func (b *BadgerStore) Set(namespace, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(namespace, key), value)
	})
}

// Delete implements KeyValueStore.
func (b *BadgerStore) Delete(namespace, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(namespace, key))
	})
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.l.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.l.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.l.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.l.Debugf(format, args...) }
