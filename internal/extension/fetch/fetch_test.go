package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"foo"}`))
	}))
	defer srv.Close()

	data, err := NewHTTPFetcher().Fetch(context.Background(), srv.URL+"/ext/package.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"foo"}`, string(data))
}

func TestHTTPFetcherNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithRetryInterval(time.Millisecond))
	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcherRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithRetryInterval(time.Millisecond), WithMaxRetries(5))
	data, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithRetryInterval(time.Millisecond), WithMaxRetries(2))
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(WithRetryInterval(time.Millisecond)).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcherSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(WithMaxBytes(16)).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestHTTPFetcherRejectsCrossOriginRedirect(t *testing.T) {
	var evilCalls atomic.Int32
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		evilCalls.Add(1)
		_, _ = w.Write([]byte(`{"name":"evil"}`))
	}))
	defer evil.Close()

	var ideCalls atomic.Int32
	ide := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ideCalls.Add(1)
		http.Redirect(w, r, evil.URL+"/package.json", http.StatusFound)
	}))
	defer ide.Close()

	clients := map[string]*HTTPFetcher{
		"default":     NewHTTPFetcher(WithRetryInterval(time.Millisecond)),
		"with client": NewHTTPFetcher(WithRetryInterval(time.Millisecond), WithClient(&http.Client{})),
	}
	for name, f := range clients {
		t.Run(name, func(t *testing.T) {
			ideCalls.Store(0)
			_, err := f.Fetch(context.Background(), ide.URL+"/ext/package.json")
			assert.ErrorIs(t, err, ErrRedirect)
			assert.Equal(t, int32(1), ideCalls.Load())
		})
	}
	assert.Zero(t, evilCalls.Load())
}

func TestHTTPFetcherFollowsSameOriginRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old/package.json" {
			http.Redirect(w, r, "/new/package.json", http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte(`{"name":"moved"}`))
	}))
	defer srv.Close()

	data, err := NewHTTPFetcher().Fetch(context.Background(), srv.URL+"/old/package.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"moved"}`, string(data))
}

func TestWithClientKeepsCustomRedirectPolicy(t *testing.T) {
	custom := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	f := NewHTTPFetcher(WithClient(custom))
	assert.Same(t, custom, f.client)

	plain := &http.Client{}
	f = NewHTTPFetcher(WithClient(plain))
	assert.NotSame(t, plain, f.client)
	assert.Nil(t, plain.CheckRedirect)
	assert.NotNil(t, f.client.CheckRedirect)
}

func TestMemoryFetcher(t *testing.T) {
	m := NewMemory()
	m.Put("https://ide.example/a", []byte("a"))

	data, err := m.Fetch(context.Background(), "https://ide.example/a")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	_, err = m.Fetch(context.Background(), "https://ide.example/b")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, m.Hits("https://ide.example/a"))
	assert.Equal(t, 2, m.TotalHits())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Fetch(ctx, "https://ide.example/a")
	assert.ErrorIs(t, err, context.Canceled)
}
