// Package watch reloads extensions served from a local directory when
// their files change. It is intended for extension development.
//
// Each immediate subdirectory of the root is one extension. Changes are
// debounced per extension directory before the handler runs.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension/manifest"
)

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 250 * time.Millisecond

var (
	// ErrWatcherClosed is returned when operating on a closed watcher.
	ErrWatcherClosed = errors.New("watch: watcher is closed")

	// ErrNotDirectory is returned when the root is not a directory.
	ErrNotDirectory = errors.New("watch: root is not a directory")
)

// Handler is called with the name of an extension directory after its
// files settle.
type Handler func(ctx context.Context, name string)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before the handler runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher watches an extensions directory tree.
type Watcher struct {
	root     string
	handler  Handler
	debounce time.Duration
	logger   *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// New watches root and every directory below it. Hidden directories are
// skipped.
func New(root string, handler Handler, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     abs,
		handler:  handler,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and its subdirectories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && isHidden(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Debug("watch add failed", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
}

// Run processes file events until ctx is done, then closes the watcher.
// Handlers run with ctx.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("extension watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	name, ok := w.extensionName(ev.Name)
	if !ok {
		return
	}

	// auto-watch new directories
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
		}
	}

	w.schedule(ctx, name)
}

// extensionName maps a path below root to its extension directory name.
func (w *Watcher) extensionName(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return "", false
		}
	}
	return parts[0], true
}

func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		closed := w.closed
		w.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		w.logger.Debug("extension files changed", zap.String("extension", name))
		w.handler(ctx, name)
	})
}

// Close stops the watcher and cancels pending notifications.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for name, t := range w.pending {
		t.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

// Discover returns the names of root's subdirectories that contain an
// extension manifest, sorted.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || isHidden(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), manifest.DescriptorName)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Location returns the extension location for a directory name served
// under prefix.
func Location(prefix, name string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + name + "/"
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 0 && base[0] == '.'
}
