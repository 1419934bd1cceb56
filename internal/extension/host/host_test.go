package host

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/exthost/internal/extension/memento"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

func testBase(t *testing.T) *sandbox.Base {
	t.Helper()
	sb, err := sandbox.New("https://ide.example")
	require.NoError(t, err)
	base, err := sb.Base("/ext/demo")
	require.NoError(t, err)
	return base
}

func TestHooks_NilAreNoops(t *testing.T) {
	var h Hooks
	exports, err := h.Activate(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, exports)
	assert.NoError(t, h.Deactivate(context.Background()))
	assert.NoError(t, h.Close())
}

func TestMux_RoutesByExtension(t *testing.T) {
	lua := NewStatic()
	lua.Register("https://ide.example/ext/a/main.lua", &Hooks{})

	m := NewMux()
	m.Handle("lua", lua)
	m.Handle(".wasm", Func(func(context.Context, string) (Module, error) {
		return nil, errors.New("wasm called")
	}))

	mod, err := m.Load(context.Background(), "https://ide.example/ext/a/main.lua")
	require.NoError(t, err)
	assert.NotNil(t, mod)
	assert.Equal(t, 1, lua.Loads("https://ide.example/ext/a/main.lua"))

	_, err = m.Load(context.Background(), "https://ide.example/ext/a/main.WASM?v=1")
	assert.EqualError(t, err, "wasm called")

	_, err = m.Load(context.Background(), "https://ide.example/ext/a/main.js")
	assert.ErrorIs(t, err, ErrNoHost)
	assert.ElementsMatch(t, []string{".lua", ".wasm"}, m.Extensions())
}

func TestStatic_Missing(t *testing.T) {
	_, err := NewStatic().Load(context.Background(), "https://x/missing.lua")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestContext_AsAbsolutePath(t *testing.T) {
	store := memento.NewStore(memento.NewMemoryStore())
	ec := NewContext("acme.demo", testBase(t), store.Global("acme.demo"), store.Workspace("acme.demo"), nil)

	assert.Equal(t, "https://ide.example/ext/demo/", ec.ExtensionPath)

	p, err := ec.AsAbsolutePath("media/icon.png")
	require.NoError(t, err)
	assert.Equal(t, "https://ide.example/ext/demo/media/icon.png", p)

	_, err = ec.AsAbsolutePath("../other/secret")
	assert.ErrorIs(t, err, sandbox.ErrEscapesBase)
}

func TestSubscriptions_DisposeAll(t *testing.T) {
	var order []int
	var s Subscriptions
	boom := errors.New("boom")

	s.Add(
		DisposeFunc(func() error { order = append(order, 1); return nil }),
		DisposeFunc(func() error { order = append(order, 2); return boom }),
		DisposeFunc(func() error { order = append(order, 3); panic("bad") }),
	)
	require.Equal(t, 3, s.Len())

	err := s.DisposeAll()
	assert.ErrorIs(t, err, boom)
	var pe *PanicError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Equal(t, 0, s.Len())
	assert.NoError(t, s.DisposeAll())
}
