package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/exthost/internal/extension"
	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/manifest"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

type recorder struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) handle(_ context.Context, name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	r.ch <- name
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case name := <-r.ch:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
		return ""
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func startWatcher(t *testing.T, root string, h Handler) {
	t.Helper()
	w, err := New(root, h, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_ReportsExtensionDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ext-a", "src", "main.lua"), "-- v1")

	rec := newRecorder()
	startWatcher(t, root, rec.handle)

	writeFile(t, filepath.Join(root, "ext-a", "src", "main.lua"), "-- v2")
	assert.Equal(t, "ext-a", rec.wait(t))
}

func TestWatcher_Debounces(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ext-a", "package.json"), "{}")

	rec := newRecorder()
	startWatcher(t, root, rec.handle)

	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(root, "ext-a", "package.json"), "{}")
	}
	assert.Equal(t, "ext-a", rec.wait(t))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	startWatcher(t, root, rec.handle)

	require.NoError(t, os.Mkdir(filepath.Join(root, "ext-b"), 0o755))
	assert.Equal(t, "ext-b", rec.wait(t))

	writeFile(t, filepath.Join(root, "ext-b", "main.lua"), "-- new")
	assert.Equal(t, "ext-b", rec.wait(t))
}

func TestWatcher_IgnoresHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")
	writeFile(t, filepath.Join(root, "ext-a", "package.json"), "{}")

	rec := newRecorder()
	startWatcher(t, root, rec.handle)

	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref2")
	writeFile(t, filepath.Join(root, "ext-a", ".swap"), "x")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), func(context.Context, string) {})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")
	_, err = New(file, func(context.Context, string) {})
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "zeta", manifest.DescriptorName), "{}")
	writeFile(t, filepath.Join(root, "alpha", manifest.DescriptorName), "{}")
	writeFile(t, filepath.Join(root, "assets", "logo.svg"), "<svg/>")
	writeFile(t, filepath.Join(root, ".hidden", manifest.DescriptorName), "{}")
	writeFile(t, filepath.Join(root, "README.md"), "# extensions")

	names, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)

	_, err = Discover(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "/extensions/a/", Location("/extensions/", "a"))
	assert.Equal(t, "/extensions/a/", Location("/extensions", "a"))
}

func TestReloadHandler(t *testing.T) {
	const origin = "https://ide.example"
	sb, err := sandbox.New(origin)
	require.NoError(t, err)
	mem := fetch.NewMemory()
	put := func(name, version string) {
		data, err := json.Marshal(map[string]any{"publisher": "acme", "name": name, "version": version})
		require.NoError(t, err)
		mem.Put(origin+"/extensions/"+name+"/"+manifest.DescriptorName, data)
	}
	ctrl, err := extension.NewController(extension.Config{Sandbox: sb, Fetcher: mem})
	require.NoError(t, err)

	put("a", "1.0.0")
	_, err = ctrl.Load(context.Background(), "/extensions/a/")
	require.NoError(t, err)

	handle := ReloadHandler(ctrl, "/extensions/", nil)

	put("a", "1.1.0")
	handle(context.Background(), "a")
	ext, ok := ctrl.Get("acme.a")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", ext.Manifest.Version)

	put("b", "0.1.0")
	handle(context.Background(), "b")
	_, ok = ctrl.Get("acme.b")
	assert.True(t, ok)

	// missing manifest is logged, not fatal
	handle(context.Background(), "c")
	assert.Equal(t, 2, ctrl.Count())
}
