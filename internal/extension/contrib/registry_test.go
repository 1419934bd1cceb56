package contrib

import (
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/exthost/internal/extension/manifest"
)

func saveContrib(title string) *manifest.Contributions {
	return &manifest.Contributions{
		Commands:    []manifest.CommandContribution{{Command: "save", Title: title}},
		Keybindings: []manifest.KeybindingContribution{{Command: "save", Key: "ctrl+s"}},
	}
}

func TestRegistry_LastWriterWins(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterManifest("a.x", saveContrib("Save A")))
	require.NoError(t, r.RegisterManifest("b.y", saveContrib("Save B")))

	owner, ok := r.Owner(KindCommand, "save")
	require.True(t, ok)
	assert.Equal(t, "b.y", owner)

	// Unloading the previous owner must not remove the new owner's entry.
	r.UnregisterManifest("a.x", saveContrib("Save A"))
	owner, ok = r.Owner(KindCommand, "save")
	require.True(t, ok)
	assert.Equal(t, "b.y", owner)

	kbs := r.Keybindings()
	require.Len(t, kbs, 1)
	assert.Equal(t, "b.y", kbs[0].ExtensionID)

	r.UnregisterManifest("b.y", saveContrib("Save B"))
	_, ok = r.Owner(KindCommand, "save")
	assert.False(t, ok)
	assert.Empty(t, r.Keybindings())
}

func TestRegistry_UnregisterOwnership(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(KindTheme, "Dark+", "a.x", nil))

	assert.False(t, r.Unregister(KindTheme, "Dark+", "b.y"))
	assert.True(t, r.Unregister(KindTheme, "Dark+", "a.x"))
	assert.False(t, r.Unregister(KindTheme, "Dark+", "a.x"))
}

func TestRegistry_KeybindingsAppend(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(KindKeybinding, "save", "a.x", nil))
	require.NoError(t, r.Register(KindKeybinding, "save", "a.x", nil))
	require.NoError(t, r.Register(KindKeybinding, "open", "b.y", nil))

	assert.Len(t, r.Keybindings(), 3)
	assert.True(t, r.Unregister(KindKeybinding, "save", "a.x"))

	kbs := r.Keybindings()
	require.Len(t, kbs, 1)
	assert.Equal(t, "open", kbs[0].Key)
}

func TestRegistry_KeybindingsSortedByKeyThenOwner(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(KindKeybinding, "save", "b.y", "ctrl+s"))
	require.NoError(t, r.Register(KindKeybinding, "open", "c.z", "ctrl+o"))
	require.NoError(t, r.Register(KindKeybinding, "save", "a.x", "cmd+s"))
	require.NoError(t, r.Register(KindKeybinding, "save", "a.x", "alt+s"))

	var got []string
	for _, kb := range r.Keybindings() {
		got = append(got, kb.Key+"/"+kb.ExtensionID+"/"+kb.Payload.(string))
	}
	assert.Equal(t, []string{
		"open/c.z/ctrl+o",
		"save/a.x/cmd+s",
		"save/a.x/alt+s",
		"save/b.y/ctrl+s",
	}, got)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(KindCommand, "", "a.x", nil), ErrEmptyKey)
	assert.ErrorIs(t, r.Register(Kind("menus"), "k", "a.x", nil), ErrUnknownKind)
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(KindLanguage, k, "a.x", nil))
	}

	langs := r.Languages()
	require.Len(t, langs, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{langs[0].Key, langs[1].Key, langs[2].Key})

	snap := r.Snapshot()
	assert.Len(t, snap, len(Kinds))
	assert.Len(t, snap[KindLanguage], 3)
	assert.Equal(t, 3, r.OwnedBy("a.x"))
}

func TestRegistry_ValidateSetting(t *testing.T) {
	r := NewRegistry()
	c := &manifest.Contributions{
		Configuration: manifest.ConfigurationList{{
			Title: "Demo",
			Properties: map[string]json.RawMessage{
				"demo.tabSize": json.RawMessage(`{"type":"integer","minimum":1}`),
			},
		}},
	}
	require.NoError(t, r.RegisterManifest("a.x", c))

	assert.NoError(t, r.ValidateSetting("demo.tabSize", 4))
	assert.ErrorIs(t, r.ValidateSetting("demo.tabSize", 0), ErrInvalidSetting)
	assert.ErrorIs(t, r.ValidateSetting("demo.tabSize", "four"), ErrInvalidSetting)
	assert.ErrorIs(t, r.ValidateSetting("demo.missing", 1), ErrUnknownSetting)

	r.UnregisterManifest("a.x", c)
	assert.ErrorIs(t, r.ValidateSetting("demo.tabSize", 4), ErrUnknownSetting)
}

func TestRegistry_ValidateSettingReregisteredDuringCompile(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(KindConfiguration, "demo.mode", "a.x", json.RawMessage(`{"type":"integer"}`)))

	orig := compileSetting
	t.Cleanup(func() { compileSetting = orig })
	compileSetting = func(raw []byte) (*jsonschema.Schema, error) {
		// same owner replaces the schema, as a reload would
		compileSetting = orig
		require.NoError(t, r.Register(KindConfiguration, "demo.mode", "a.x", json.RawMessage(`{"type":"string"}`)))
		return orig(raw)
	}

	// validated against the schema it started compiling
	assert.NoError(t, r.ValidateSetting("demo.mode", 1))

	// the stale schema must not have been cached
	assert.NoError(t, r.ValidateSetting("demo.mode", "fast"))
	assert.ErrorIs(t, r.ValidateSetting("demo.mode", 1), ErrInvalidSetting)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("themes")
	require.NoError(t, err)
	assert.Equal(t, KindTheme, k)

	_, err = ParseKind("widgets")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
