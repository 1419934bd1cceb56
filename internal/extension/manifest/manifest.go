// Package manifest defines the extension descriptor (package.json) and
// resolves it from a sandboxed extension base.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ActivateOnStartup is the universal activation event.
const ActivateOnStartup = "*"

// Manifest describes an extension's identity, entry points and contributions.
type Manifest struct {
	// Identity
	Name        string `json:"name"`
	Publisher   string `json:"publisher"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	License     string `json:"license,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	Icon        string `json:"icon,omitempty"`

	Categories []string          `json:"categories,omitempty"`
	Keywords   []string          `json:"keywords,omitempty"`
	Engines    map[string]string `json:"engines,omitempty"`

	// Entry points, relative to the extension base. Browser wins over Main.
	Main    string `json:"main,omitempty"`
	Browser string `json:"browser,omitempty"`

	ActivationEvents      []string `json:"activationEvents,omitempty"`
	ExtensionDependencies []string `json:"extensionDependencies,omitempty"`

	Contributes *Contributions `json:"contributes,omitempty"`
}

// Contributions is the "contributes" block of a manifest.
type Contributions struct {
	Commands        []CommandContribution        `json:"commands,omitempty"`
	Languages       []LanguageContribution       `json:"languages,omitempty"`
	Grammars        []GrammarContribution        `json:"grammars,omitempty"`
	Themes          []ThemeContribution          `json:"themes,omitempty"`
	Keybindings     []KeybindingContribution     `json:"keybindings,omitempty"`
	Menus           map[string][]MenuItem        `json:"menus,omitempty"`
	Views           map[string][]ViewDescriptor  `json:"views,omitempty"`
	ViewsContainers map[string][]ViewContainer   `json:"viewsContainers,omitempty"`
	Configuration   ConfigurationList            `json:"configuration,omitempty"`
	Debuggers       []DebuggerContribution       `json:"debuggers,omitempty"`
	TaskDefinitions []TaskDefinitionContribution `json:"taskDefinitions,omitempty"`
}

// CommandContribution declares a command.
type CommandContribution struct {
	Command    string `json:"command"`
	Title      string `json:"title"`
	Category   string `json:"category,omitempty"`
	Enablement string `json:"enablement,omitempty"`
}

// LanguageContribution declares a language.
type LanguageContribution struct {
	ID            string   `json:"id"`
	Aliases       []string `json:"aliases,omitempty"`
	Extensions    []string `json:"extensions,omitempty"`
	Filenames     []string `json:"filenames,omitempty"`
	FirstLine     string   `json:"firstLine,omitempty"`
	Configuration string   `json:"configuration,omitempty"`
}

// GrammarContribution declares a TextMate grammar.
type GrammarContribution struct {
	Language  string `json:"language,omitempty"`
	ScopeName string `json:"scopeName"`
	Path      string `json:"path"`
}

// ThemeContribution declares a color theme.
type ThemeContribution struct {
	Label   string `json:"label"`
	UITheme string `json:"uiTheme,omitempty"`
	Path    string `json:"path"`
}

// KeybindingContribution declares a default keybinding.
type KeybindingContribution struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	Mac     string `json:"mac,omitempty"`
	Linux   string `json:"linux,omitempty"`
	Win     string `json:"win,omitempty"`
	When    string `json:"when,omitempty"`
}

// MenuItem places a command in a menu.
type MenuItem struct {
	Command string `json:"command"`
	When    string `json:"when,omitempty"`
	Group   string `json:"group,omitempty"`
}

// ViewDescriptor declares a view inside a container.
type ViewDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	When string `json:"when,omitempty"`
}

// ViewContainer declares a view container.
type ViewContainer struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

// ConfigurationContribution declares settings. Each property value is a
// JSON Schema describing the setting.
type ConfigurationContribution struct {
	Title      string                     `json:"title,omitempty"`
	Order      int                        `json:"order,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

// ConfigurationList accepts either a single configuration object or an
// array of them.
type ConfigurationList []ConfigurationContribution

// UnmarshalJSON implements json.Unmarshaler.
func (l *ConfigurationList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []ConfigurationContribution
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	var single ConfigurationContribution
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return err
	}
	*l = ConfigurationList{single}
	return nil
}

// DebuggerContribution declares a debug adapter type.
type DebuggerContribution struct {
	Type      string   `json:"type"`
	Label     string   `json:"label,omitempty"`
	Program   string   `json:"program,omitempty"`
	Runtime   string   `json:"runtime,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// TaskDefinitionContribution declares a task type.
type TaskDefinitionContribution struct {
	Type       string                     `json:"type"`
	Required   []string                   `json:"required,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

// Validation errors.
var (
	// ErrInvalidManifest is returned for any structurally invalid manifest.
	ErrInvalidManifest = errors.New("invalid extension manifest")

	// ErrIncompatibleEngine is returned when the manifest's engine
	// constraint excludes the running host version.
	ErrIncompatibleEngine = errors.New("extension is incompatible with this host")
)

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required identity fields and contribution keys.
// No partially valid manifest is accepted.
func (m *Manifest) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"publisher", m.Publisher},
		{"name", m.Name},
		{"version", m.Version},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: missing %q", ErrInvalidManifest, r.field)
		}
	}
	if strings.ContainsAny(m.Publisher, " \t\r\n/") {
		return fmt.Errorf("%w: publisher %q contains illegal characters", ErrInvalidManifest, m.Publisher)
	}
	if strings.ContainsAny(m.Name, " \t\r\n/") {
		return fmt.Errorf("%w: name %q contains illegal characters", ErrInvalidManifest, m.Name)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, m.Version, err)
	}

	for _, e := range m.ActivationEvents {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("%w: empty activation event", ErrInvalidManifest)
		}
	}

	c := m.Contributes
	if c == nil {
		return nil
	}
	for i, cmd := range c.Commands {
		if cmd.Command == "" {
			return fmt.Errorf("%w: contributes.commands[%d] has no command id", ErrInvalidManifest, i)
		}
	}
	for i, lang := range c.Languages {
		if lang.ID == "" {
			return fmt.Errorf("%w: contributes.languages[%d] has no id", ErrInvalidManifest, i)
		}
	}
	for i, theme := range c.Themes {
		if theme.Label == "" {
			return fmt.Errorf("%w: contributes.themes[%d] has no label", ErrInvalidManifest, i)
		}
	}
	for i, kb := range c.Keybindings {
		if kb.Command == "" || kb.Key == "" {
			return fmt.Errorf("%w: contributes.keybindings[%d] needs command and key", ErrInvalidManifest, i)
		}
	}
	for i, dbg := range c.Debuggers {
		if dbg.Type == "" {
			return fmt.Errorf("%w: contributes.debuggers[%d] has no type", ErrInvalidManifest, i)
		}
	}
	return nil
}

// ID returns the canonical extension id, "publisher.name".
func (m *Manifest) ID() string {
	return m.Publisher + "." + m.Name
}

// EntryPoint returns the entry-point path, preferring Browser over Main.
// It returns "" for metadata-only extensions.
func (m *Manifest) EntryPoint() string {
	if m.Browser != "" {
		return m.Browser
	}
	return m.Main
}

// ActivatesOnStartup reports whether the manifest declares the "*" event.
func (m *Manifest) ActivatesOnStartup() bool {
	for _, e := range m.ActivationEvents {
		if e == ActivateOnStartup {
			return true
		}
	}
	return false
}

// String returns "DisplayName vVersion".
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.ID()
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}
