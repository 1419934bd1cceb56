// Package sandbox confines extension locations and resource paths to the
// host application's origin.
//
// Every extension is identified by a base URL on the host origin. A Base is
// produced from a caller-supplied location and every resource the extension
// references is resolved against it. Anything that would leave the base,
// either directly or through an encoded path segment, is rejected.
package sandbox

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sandbox errors.
var (
	// ErrInvalidOrigin is returned when the host origin is not an absolute http(s) URL.
	ErrInvalidOrigin = errors.New("sandbox: invalid host origin")

	// ErrInvalidLocation is returned for empty or unparseable extension locations.
	ErrInvalidLocation = errors.New("sandbox: invalid extension location")

	// ErrPathTraversal is returned when a location contains a ".." segment.
	ErrPathTraversal = errors.New("sandbox: path traversal rejected")

	// ErrCrossOrigin is returned when a location resolves to another origin.
	ErrCrossOrigin = errors.New("sandbox: cross-origin extension source rejected")

	// ErrInvalidResource is returned for empty or unparseable resource paths.
	ErrInvalidResource = errors.New("sandbox: invalid resource path")

	// ErrEscapesBase is returned when a resource resolves outside its extension base.
	ErrEscapesBase = errors.New("sandbox: resource escapes extension base")
)

// Sandbox validates extension locations against a fixed host origin.
// A Sandbox is immutable and safe for concurrent use.
type Sandbox struct {
	origin *url.URL
}

// New creates a sandbox for the given host origin (e.g. "https://ide.example").
// Any path, query or fragment on origin is ignored.
func New(origin string) (*Sandbox, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if !isHTTP(u.Scheme) || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	return &Sandbox{origin: &url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   canonicalHost(u),
		Path:   "/",
	}}, nil
}

// Origin returns the canonical origin, without a trailing slash.
func (s *Sandbox) Origin() string {
	return s.origin.Scheme + "://" + s.origin.Host
}

// Base normalizes an extension location into a sandboxed base.
//
// The location may be absolute or relative to the host origin. It is rejected
// if it contains a ".." segment (raw or percent-encoded), if it is not http(s),
// or if it does not share the host origin. The returned base has no query or
// fragment and always ends in exactly one "/".
func (s *Sandbox) Base(location string) (*Base, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}
	if hasTraversal(location) {
		return nil, fmt.Errorf("%w: %q", ErrPathTraversal, location)
	}

	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}

	u := s.origin.ResolveReference(ref)
	if !isHTTP(u.Scheme) {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocation, u.Scheme)
	}
	if strings.ToLower(u.Scheme) != s.origin.Scheme || canonicalHost(u) != s.origin.Host {
		return nil, fmt.Errorf("%w: %q is not on %s", ErrCrossOrigin, location, s.Origin())
	}

	u.Scheme = s.origin.Scheme
	u.Host = s.origin.Host
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	if u.RawPath != "" {
		u.RawPath = strings.TrimRight(u.RawPath, "/") + "/"
	}

	return &Base{u: u, s: u.String()}, nil
}

// Base is a normalized, sandboxed extension base URL.
type Base struct {
	u *url.URL
	s string
}

// String returns the normalized base, always ending in "/".
func (b *Base) String() string {
	return b.s
}

// URL returns a copy of the base URL.
func (b *Base) URL() *url.URL {
	u := *b.u
	return &u
}

// Resolve resolves a resource path against the base.
//
// The result must start with the exact base string. Resolution fails closed:
// a path that lands outside the base is an error, never clamped.
func (b *Base) Resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidResource)
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}

	resolved := b.u.ResolveReference(ref)
	out := resolved.String()
	if !strings.HasPrefix(out, b.s) {
		return "", fmt.Errorf("%w: %q", ErrEscapesBase, rel)
	}

	// Dot segments are already removed by ResolveReference; anything that
	// still decodes to ".." was smuggled in encoded.
	if decoded, err := url.PathUnescape(resolved.EscapedPath()); err != nil || containsDotDot(decoded) {
		return "", fmt.Errorf("%w: %q", ErrEscapesBase, rel)
	}

	return out, nil
}

func isHTTP(scheme string) bool {
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}

// canonicalHost lower-cases the host and drops the scheme's default port.
func canonicalHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	scheme := strings.ToLower(u.Scheme)
	if port == "" || (port == "80" && scheme == "http") || (port == "443" && scheme == "https") {
		return host
	}
	return host + ":" + port
}

func hasTraversal(s string) bool {
	if containsDotDot(s) {
		return true
	}
	decoded, err := url.PathUnescape(s)
	return err == nil && containsDotDot(decoded)
}

func containsDotDot(s string) bool {
	segments := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '\\' || r == '?' || r == '#'
	})
	for _, seg := range segments {
		if seg == ".." {
			return true
		}
	}
	return false
}
