package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoracle/memoracle/internal/cache"
	oerrors "github.com/memoracle/memoracle/internal/errors"
)

func newTestFetcher(t *testing.T) (*Fetcher, *cache.Cache) {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	return New(c, "memoracle-test", 5*time.Second, nil), c
}

func TestFetchWritesThroughCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "memoracle-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f, c := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), srv.URL+"/page", Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.False(t, res.FromCache)
	assert.Equal(t, "text/html", res.ContentType)
	assert.Equal(t, `"v1"`, res.ETag)

	entry, err := c.Get(srv.URL + "/page")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, res.Content, entry.Content)
	assert.Equal(t, `"v1"`, entry.ETag)
}

func TestFetchConditional304ServesCache(t *testing.T) {
	var gotETag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		if gotETag == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("# Title\n\nbody"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	url := srv.URL + "/doc.md"

	first, err := f.Fetch(context.Background(), url, Options{})
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	// Second fetch sends the stored validator and serves the cached body.
	second, err := f.Fetch(context.Background(), url, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, gotETag)
	assert.Equal(t, http.StatusNotModified, second.Status)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Content, second.Content)
}

func TestFetch304WithoutCacheRefetches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh body"))
	}))
	defer srv.Close()

	// Page validators survive a cache eviction: the 304 has no body to
	// back it, so the fetcher drops them and refetches.
	f := New(nil, "", 5*time.Second, nil)
	res, err := f.Fetch(context.Background(), srv.URL, Options{ETag: `"stale"`})
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.False(t, res.FromCache)
	assert.Equal(t, "fresh body", res.Content)
}

func TestFetchUnconditional304IsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := New(nil, "", 5*time.Second, nil)
	_, err := f.Fetch(context.Background(), srv.URL, Options{ETag: `"stale"`})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotModified, oerrors.StatusOf(err))
}

func TestFetchStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing", Options{})
	require.Error(t, err)
	assert.Equal(t, 404, oerrors.StatusOf(err))
	assert.True(t, oerrors.SkipStatus(err))
}

func TestFetchTransportFallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cached body"))
	}))

	f, _ := newTestFetcher(t)
	url := srv.URL + "/page"
	_, err := f.Fetch(context.Background(), url, Options{})
	require.NoError(t, err)

	// Server goes away; the cached body still serves with Status 0.
	srv.Close()
	res, err := f.Fetch(context.Background(), url, Options{})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Zero(t, res.Status)
	assert.Equal(t, "cached body", res.Content)
}

func TestFetchTransportWithoutCacheErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := New(nil, "", 2*time.Second, nil)
	_, err := f.Fetch(context.Background(), url, Options{})
	require.Error(t, err)
	assert.Equal(t, oerrors.KindTransport, oerrors.KindOf(err))
}

func TestSniffContentType(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		body   string
		header string
		want   string
	}{
		{"md extension", "https://x/doc.md", "<html>", "text/html", "text/markdown"},
		{"mdx extension with query", "https://x/doc.mdx?v=1", "", "", "text/markdown"},
		{"heading body", "https://x/doc", "# Title\n\nbody", "text/plain", "text/markdown"},
		{"bom before heading", "https://x/doc", "\uFEFF# Title\n\nbody", "text/plain", "text/markdown"},
		{"frontmatter body", "https://x/doc", "---\ntitle: x\n---\nbody", "text/html", "text/markdown"},
		{"dashes without close are not frontmatter", "https://x/doc", "--- just dashes", "text/plain", "text/plain"},
		{"header media type wins otherwise", "https://x/doc", "plain words", "text/plain; charset=utf-8", "text/plain"},
		{"no header defaults to html", "https://x/doc", "<div>x</div>", "", "text/html"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SniffContentType(tt.url, tt.body, tt.header))
		})
	}
}
