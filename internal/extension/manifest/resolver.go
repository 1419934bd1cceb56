package manifest

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

// DescriptorName is the manifest file fetched from every extension base.
const DescriptorName = "package.json"

// DefaultEngine is the manifest "engines" key checked against the host version.
const DefaultEngine = "exthost"

// Resolver fetches and validates manifests.
type Resolver struct {
	fetcher     fetch.Fetcher
	engine      string
	hostVersion *semver.Version
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithHostVersion enables engine compatibility checks against v.
// Manifests without a constraint for the engine key are always accepted.
func WithHostVersion(v *semver.Version) ResolverOption {
	return func(r *Resolver) {
		r.hostVersion = v
	}
}

// WithEngine sets the "engines" key to check (default "exthost").
func WithEngine(key string) ResolverOption {
	return func(r *Resolver) {
		r.engine = key
	}
}

// NewResolver creates a Resolver that fetches through f.
func NewResolver(f fetch.Fetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		fetcher: f,
		engine:  DefaultEngine,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches package.json from the base and validates it.
func (r *Resolver) Resolve(ctx context.Context, base *sandbox.Base) (*Manifest, error) {
	url, err := base.Resolve(DescriptorName)
	if err != nil {
		return nil, err
	}

	data, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", url, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}

	if err := r.checkEngine(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Resolver) checkEngine(m *Manifest) error {
	if r.hostVersion == nil {
		return nil
	}
	return m.CompatibleWith(r.engine, r.hostVersion)
}

// CompatibleWith checks the manifest's engines[engine] constraint against
// the host version. A missing or "*" constraint is always compatible.
func (m *Manifest) CompatibleWith(engine string, host *semver.Version) error {
	constraint, ok := m.Engines[engine]
	if !ok || constraint == "" || constraint == "*" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%w: engines.%s %q: %v", ErrInvalidManifest, engine, constraint, err)
	}
	if !c.Check(host) {
		return fmt.Errorf("%w: %s requires %s %s, host is %s",
			ErrIncompatibleEngine, m.ID(), engine, constraint, host)
	}
	return nil
}
