// Package config loads exthost configuration from a TOML file with
// environment overrides.
//
// A missing file is not an error; defaults apply. Unknown keys are
// rejected so typos surface early.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"
)

// Config is the complete exthost configuration.
type Config struct {
	Host       HostConfig       `toml:"host"`
	Storage    StorageConfig    `toml:"storage"`
	Fetch      FetchConfig      `toml:"fetch"`
	Activation ActivationConfig `toml:"activation"`
	Server     ServerConfig     `toml:"server"`
	Logging    LoggingConfig    `toml:"logging"`
	Extensions ExtensionsConfig `toml:"extensions"`
}

// HostConfig describes the IDE the extensions run in.
type HostConfig struct {
	// Origin every extension location must share, e.g. "http://localhost:7070".
	Origin string `toml:"origin"`

	// Version is matched against manifests' engines.exthost constraint.
	Version string `toml:"version"`
}

// StorageConfig configures extension state persistence.
type StorageConfig struct {
	Prefix   string `toml:"prefix"`
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

// FetchConfig configures manifest and entry point retrieval.
type FetchConfig struct {
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	RetryInterval Duration `toml:"retry_interval"`
	MaxBytes      int64    `toml:"max_bytes"`
}

// ActivationConfig bounds activation work.
type ActivationConfig struct {
	MaxParallel int      `toml:"max_parallel"`
	LuaTimeout  Duration `toml:"lua_timeout"`
}

// ServerConfig configures the diagnostic HTTP server.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// ExtensionsConfig describes where extensions come from.
type ExtensionsConfig struct {
	// Dir is a local directory served under URLPrefix. Each subdirectory
	// holding a package.json is loaded at startup.
	Dir string `toml:"dir"`

	// URLPrefix is the URL path Dir is served under.
	URLPrefix string `toml:"url_prefix"`

	// Watch reloads an extension when files in its directory change.
	Watch bool `toml:"watch"`

	// Locations are additional extension locations to load at startup.
	Locations []string `toml:"locations"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Origin:  "http://localhost:7070",
			Version: "1.0.0",
		},
		Storage: StorageConfig{
			Prefix:   "extension-state",
			InMemory: true,
		},
		Fetch: FetchConfig{
			Timeout:       Duration{10 * time.Second},
			MaxRetries:    3,
			RetryInterval: Duration{200 * time.Millisecond},
			MaxBytes:      16 << 20,
		},
		Activation: ActivationConfig{
			MaxParallel: 8,
			LuaTimeout:  Duration{5 * time.Second},
		},
		Server: ServerConfig{
			Listen: ":7070",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Extensions: ExtensionsConfig{
			URLPrefix: "/extensions/",
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := cfg.decode(path, data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode("<data>", data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(source string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
		}
		return pe
	}
	return nil
}

// envMapping maps environment variables to setters.
var envMapping = map[string]func(c *Config, v string) error{
	"EXTHOST_ORIGIN":         func(c *Config, v string) error { c.Host.Origin = v; return nil },
	"EXTHOST_HOST_VERSION":   func(c *Config, v string) error { c.Host.Version = v; return nil },
	"EXTHOST_LISTEN":         func(c *Config, v string) error { c.Server.Listen = v; return nil },
	"EXTHOST_LOG_LEVEL":      func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"EXTHOST_EXTENSIONS_DIR": func(c *Config, v string) error { c.Extensions.Dir = v; return nil },
	"EXTHOST_STATE_PATH": func(c *Config, v string) error {
		c.Storage.Path = v
		c.Storage.InMemory = v == ""
		return nil
	},
	"EXTHOST_MAX_PARALLEL": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Activation.MaxParallel = n
		return nil
	},
}

// ApplyEnv applies EXTHOST_* overrides using lookup (os.LookupEnv in
// production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envMapping {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Host.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%w: host.origin %q must be an absolute http(s) URL", ErrInvalidConfig, c.Host.Origin))
	}
	if c.Host.Version != "" {
		if _, err := semver.NewVersion(c.Host.Version); err != nil {
			errs = append(errs, fmt.Errorf("%w: host.version: %v", ErrInvalidConfig, err))
		}
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("%w: storage.path is required unless storage.in_memory is set", ErrInvalidConfig))
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: fetch.max_retries must not be negative", ErrInvalidConfig))
	}
	if c.Activation.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("%w: activation.max_parallel must be at least 1", ErrInvalidConfig))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err))
	}
	if c.Extensions.Dir != "" && !strings.HasPrefix(c.Extensions.URLPrefix, "/") {
		errs = append(errs, fmt.Errorf("%w: extensions.url_prefix must start with /", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
