package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("Listen = %q, want default", cfg.Server.Listen)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exthost.toml")
	data := `
[host]
origin = "https://ide.example"
version = "2.1.0"

[storage]
in_memory = false
path = "/var/lib/exthost"

[fetch]
timeout = "3s"
max_retries = 5

[activation]
max_parallel = 2

[extensions]
dir = "./extensions"
watch = true
locations = ["/remote/acme.tools/"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host.Origin != "https://ide.example" || cfg.Host.Version != "2.1.0" {
		t.Errorf("Host = %+v", cfg.Host)
	}
	if cfg.Storage.InMemory || cfg.Storage.Path != "/var/lib/exthost" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Fetch.Timeout.Duration != 3*time.Second || cfg.Fetch.MaxRetries != 5 {
		t.Errorf("Fetch = %+v", cfg.Fetch)
	}
	// untouched keys keep defaults
	if cfg.Fetch.RetryInterval.Duration != 200*time.Millisecond {
		t.Errorf("RetryInterval = %v, want default", cfg.Fetch.RetryInterval)
	}
	if cfg.Storage.Prefix != "extension-state" {
		t.Errorf("Prefix = %q, want default", cfg.Storage.Prefix)
	}
	if !cfg.Extensions.Watch || len(cfg.Extensions.Locations) != 1 {
		t.Errorf("Extensions = %+v", cfg.Extensions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "[host\norigin = 1"},
		{"unknown key", "[host]\norgin = \"https://x\""},
		{"bad duration", "[fetch]\ntimeout = \"soon\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"origin scheme", func(c *Config) { c.Host.Origin = "ftp://x" }},
		{"origin relative", func(c *Config) { c.Host.Origin = "/ide" }},
		{"host version", func(c *Config) { c.Host.Version = "one" }},
		{"storage path", func(c *Config) { c.Storage.InMemory = false; c.Storage.Path = "" }},
		{"retries", func(c *Config) { c.Fetch.MaxRetries = -1 }},
		{"parallel", func(c *Config) { c.Activation.MaxParallel = 0 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"url prefix", func(c *Config) { c.Extensions.Dir = "x"; c.Extensions.URLPrefix = "ext" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EXTHOST_ORIGIN":       "https://env.example",
		"EXTHOST_STATE_PATH":   "/tmp/state",
		"EXTHOST_MAX_PARALLEL": "3",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Host.Origin != "https://env.example" {
		t.Errorf("Origin = %q", cfg.Host.Origin)
	}
	if cfg.Storage.InMemory || cfg.Storage.Path != "/tmp/state" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Activation.MaxParallel != 3 {
		t.Errorf("MaxParallel = %d", cfg.Activation.MaxParallel)
	}

	env["EXTHOST_MAX_PARALLEL"] = "many"
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("expected error for non-numeric EXTHOST_MAX_PARALLEL")
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse([]byte("[fetch]\nmax_retries = = 3"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if pe.Line != 2 {
		t.Errorf("Line = %d, want 2", pe.Line)
	}
	if pe.Unwrap() == nil {
		t.Error("Unwrap() = nil")
	}
}
