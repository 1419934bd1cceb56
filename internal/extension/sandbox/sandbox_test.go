package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New("https://ide.example")
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadOrigins(t *testing.T) {
	for _, origin := range []string{"", "ide.example", "ftp://ide.example", "https://", "://x"} {
		_, err := New(origin)
		assert.ErrorIs(t, err, ErrInvalidOrigin, "origin %q", origin)
	}
}

func TestOriginIsCanonical(t *testing.T) {
	s, err := New("HTTPS://IDE.example:443/some/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://ide.example", s.Origin())

	s, err = New("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", s.Origin())
}

func TestBaseNormalization(t *testing.T) {
	s := newTestSandbox(t)

	tests := []struct {
		location string
		want     string
	}{
		{"/extensions/foo", "https://ide.example/extensions/foo/"},
		{"/extensions/foo/", "https://ide.example/extensions/foo/"},
		{"extensions/foo///", "https://ide.example/extensions/foo/"},
		{"https://ide.example/ext?x=1#frag", "https://ide.example/ext/"},
		{"https://IDE.example:443/ext", "https://ide.example/ext/"},
		{"  /ext  ", "https://ide.example/ext/"},
		{"/", "https://ide.example/"},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			base, err := s.Base(tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.want, base.String())
			assert.True(t, strings.HasSuffix(base.String(), "/"))
			assert.False(t, strings.HasSuffix(base.String(), "//"))
		})
	}
}

func TestBaseRejections(t *testing.T) {
	s := newTestSandbox(t)

	tests := []struct {
		name     string
		location string
		want     error
	}{
		{"empty", "", ErrInvalidLocation},
		{"blank", "   ", ErrInvalidLocation},
		{"traversal", "/ext/../secret", ErrPathTraversal},
		{"leading traversal", "../ext", ErrPathTraversal},
		{"backslash traversal", "/ext\\..\\secret", ErrPathTraversal},
		{"encoded traversal", "/ext/%2e%2e/secret", ErrPathTraversal},
		{"traversal in query", "/ext?p=/../x", ErrPathTraversal},
		{"cross origin", "https://evil.example/ext", ErrCrossOrigin},
		{"scheme downgrade", "http://ide.example/ext", ErrCrossOrigin},
		{"other port", "https://ide.example:8443/ext", ErrCrossOrigin},
		{"protocol relative", "//evil.example/ext", ErrCrossOrigin},
		{"non http", "ftp://ide.example/ext", ErrInvalidLocation},
		{"bad escape", "/ext/%zz", ErrInvalidLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := s.Base(tt.location)
			assert.Nil(t, base)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolve(t *testing.T) {
	s := newTestSandbox(t)
	base, err := s.Base("/extensions/foo")
	require.NoError(t, err)

	tests := []struct {
		rel  string
		want string
	}{
		{"package.json", "https://ide.example/extensions/foo/package.json"},
		{"./dist/extension.js", "https://ide.example/extensions/foo/dist/extension.js"},
		{"dist/../out/main.lua", "https://ide.example/extensions/foo/out/main.lua"},
		{"a.js?v=1", "https://ide.example/extensions/foo/a.js?v=1"},
	}
	for _, tt := range tests {
		got, err := base.Resolve(tt.rel)
		require.NoError(t, err, tt.rel)
		assert.Equal(t, tt.want, got)
		assert.True(t, strings.HasPrefix(got, base.String()))
	}
}

func TestResolveFailsClosed(t *testing.T) {
	s := newTestSandbox(t)
	base, err := s.Base("/extensions/foo")
	require.NoError(t, err)

	tests := []struct {
		rel  string
		want error
	}{
		{"", ErrInvalidResource},
		{"../bar/x.js", ErrEscapesBase},
		{"dist/../../bar/x.js", ErrEscapesBase},
		{"/etc/passwd", ErrEscapesBase},
		{"https://evil.example/x.js", ErrEscapesBase},
		{"//evil.example/x.js", ErrEscapesBase},
		{"%2e%2e/bar/x.js", ErrEscapesBase},
		{"dist/%2E%2E/%2e%2e/bar", ErrEscapesBase},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := base.Resolve(tt.rel)
			assert.Empty(t, got)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBaseURLIsCopy(t *testing.T) {
	s := newTestSandbox(t)
	base, err := s.Base("/ext")
	require.NoError(t, err)

	u := base.URL()
	u.Path = "/elsewhere/"
	assert.Equal(t, "https://ide.example/ext/", base.String())
}
