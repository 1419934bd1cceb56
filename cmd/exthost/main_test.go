package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/exthost/internal/config"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestValidateCommand(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "good")
	bad := filepath.Join(root, "bad")
	newer := filepath.Join(root, "newer")
	writeManifest(t, good, `{"publisher":"acme","name":"good","version":"1.0.0"}`)
	writeManifest(t, bad, `{"publisher":"acme","version":"1.0.0"}`)
	writeManifest(t, newer, `{"publisher":"acme","name":"newer","version":"1.0.0","engines":{"exthost":">=9.0.0"}}`)

	out, _, err := execute(t, "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "acme.good 1.0.0") {
		t.Errorf("output = %q", out)
	}

	_, errOut, err := execute(t, "validate", good, bad, newer)
	if err == nil {
		t.Fatal("expected error for invalid manifests")
	}
	if !strings.Contains(err.Error(), "2 of 3") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(errOut, "missing \"name\"") || !strings.Contains(errOut, "requires exthost") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "exthost dev") {
		t.Errorf("output = %q", out)
	}
}

func TestStartupLocations(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "b"), "{}")
	writeManifest(t, filepath.Join(root, "a"), "{}")

	got, err := startupLocations(config.ExtensionsConfig{
		Dir:       root,
		URLPrefix: "/extensions/",
		Locations: []string{"https://cdn.example/x/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/extensions/a/", "/extensions/b/", "https://cdn.example/x/"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("locations = %v, want %v", got, want)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LoggingConfig{Level: "debug", Development: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := newLogger(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
