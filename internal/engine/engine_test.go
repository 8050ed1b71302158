package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoracle/memoracle/internal/cache"
	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/embed"
	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/fetch"
	"github.com/memoracle/memoracle/internal/store"
)

// testSite is a markdown documentation host with per-path hit counts,
// optional forced status codes, and optional ETag support.
type testSite struct {
	srv *httptest.Server

	mu    sync.Mutex
	pages map[string]string
	codes map[string]int
	hits  map[string]int
	etags bool
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	s := &testSite{
		pages: make(map[string]string),
		codes: make(map[string]int),
		hits:  make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *testSite) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[r.URL.Path]++

	if code, ok := s.codes[r.URL.Path]; ok {
		w.WriteHeader(code)
		return
	}
	body, ok := s.pages[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if s.etags {
		etag := fmt.Sprintf("%q", fmt.Sprintf("v%d", len(body)))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = io.WriteString(w, body)
}

func (s *testSite) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = body
}

func (s *testSite) setCode(path string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[path] = code
}

func (s *testSite) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

const introPage = `# Introduction

Memoracle keeps a local copy of documentation sites and answers
questions about them without touching the network again.

Indexing walks every page under the allowed path prefix, splits the
extracted text into chunks, and embeds each chunk for similarity search.

Continue with the [configuration guide](/docs/config).
`

const configPage = `# Configuration

All settings live in a single JSON file inside the data directory.

The crawler section bounds concurrency and request pacing so a small
documentation host is never hammered by the indexer.
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	meta, err := store.NewSQLiteStore("", nil)
	require.NoError(t, err)
	vectors, err := store.NewLocalVectorStore(t.TempDir(), nil)
	require.NoError(t, err)
	contentCache, err := cache.New(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Crawler.Concurrency = 2
	cfg.Crawler.RequestDelayMs = 0
	cfg.Crawler.MaxPages = 50

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := fetch.New(contentCache, "memoracle-test", 5*time.Second, logger)

	eng, err := New(meta, vectors, store.NewSQLiteKeywordIndex(meta),
		contentCache, fetcher, embed.NewLocal(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// indexTestDocset seeds the site with two pages, indexes them, and waits
// for the crawl to drain.
func indexTestDocset(t *testing.T, eng *Engine, site *testSite) *store.Docset {
	t.Helper()
	site.set("/docs/intro", introPage)
	site.set("/docs/config", configPage)

	res, err := eng.IndexDocset(context.Background(), IndexDocsetInput{
		BaseURL:     site.srv.URL,
		SeedSlug:    "docs/intro",
		WaitForSeed: true,
	})
	require.NoError(t, err)
	eng.WaitForCrawl(res.Docset.ID)
	return res.Docset
}

func createTestPage(t *testing.T, eng *Engine, docset *store.Docset, path string) *store.Page {
	t.Helper()
	pageURL := docset.BaseURL + path
	page := &store.Page{
		ID:        store.PageID(docset.ID, pageURL),
		DocsetID:  docset.ID,
		URL:       pageURL,
		Path:      path,
		Status:    store.PagePending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, eng.Meta.CreatePage(context.Background(), page))
	return page
}

func TestIndexDocsetCreatesAndCrawls(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	eng := newTestEngine(t)

	docset := indexTestDocset(t, eng, site)
	assert.Equal(t, "/docs/intro", docset.SeedPath)
	assert.Equal(t, []string{"/docs"}, docset.AllowedPaths)

	got, err := eng.Meta.GetDocset(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocsetReady, got.Status)

	st, err := eng.Meta.GetIndexStatus(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.IndexedPages, "seed plus the discovered config page")
	assert.Zero(t, st.PendingPages)
	assert.Greater(t, st.TotalChunks, 0)

	n, err := eng.Vectors.Count(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, st.TotalChunks, n, "one vector per chunk")
}

func TestIndexDocsetFindOrCreate(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	eng := newTestEngine(t)

	docset := indexTestDocset(t, eng, site)

	res, err := eng.IndexDocset(ctx, IndexDocsetInput{
		BaseURL:  site.srv.URL + "/", // trailing slash normalises away
		SeedSlug: "docs/intro",
	})
	require.NoError(t, err)
	assert.Equal(t, docset.ID, res.Docset.ID)
	assert.True(t, res.SeedIndexed, "seed was already indexed")
	eng.WaitForCrawl(docset.ID)

	docsets, err := eng.Meta.ListDocsets(ctx)
	require.NoError(t, err)
	assert.Len(t, docsets, 1)
}

func TestIndexDocsetRejectsInvalidBaseURL(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	for _, baseURL := range []string{"", "   ", "example.com/docs", "/relative"} {
		_, err := eng.IndexDocset(ctx, IndexDocsetInput{BaseURL: baseURL})
		require.Error(t, err, "baseURL %q", baseURL)
		assert.Equal(t, oerrors.KindConfig, oerrors.KindOf(err))
	}
}

func TestIndexPageSkipsOnNotFound(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	eng := newTestEngine(t)

	docset, err := eng.Meta.CreateDocset(ctx, store.CreateDocsetInput{
		BaseURL:  site.srv.URL,
		SeedPath: "/docs/intro",
	})
	require.NoError(t, err)
	page := createTestPage(t, eng, docset, "/docs/missing")

	require.Error(t, eng.IndexPage(ctx, docset, page))

	got, err := eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PageSkipped, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Zero(t, got.RetryCount, "a skip is permanent, not retried")
}

func TestIndexPageCountsRetries(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	eng := newTestEngine(t)

	docset, err := eng.Meta.CreateDocset(ctx, store.CreateDocsetInput{
		BaseURL:  site.srv.URL,
		SeedPath: "/docs/intro",
	})
	require.NoError(t, err)
	site.setCode("/docs/flaky", http.StatusServiceUnavailable)
	page := createTestPage(t, eng, docset, "/docs/flaky")

	require.Error(t, eng.IndexPage(ctx, docset, page))
	got, err := eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PageError, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	require.Error(t, eng.IndexPage(ctx, docset, got))
	got, err = eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestIndexPageNotModifiedShortCircuit(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	site.etags = true
	site.set("/docs/intro", introPage)
	eng := newTestEngine(t)

	docset, err := eng.Meta.CreateDocset(ctx, store.CreateDocsetInput{
		BaseURL:  site.srv.URL,
		SeedPath: "/docs/intro",
	})
	require.NoError(t, err)
	page := createTestPage(t, eng, docset, "/docs/intro")

	require.NoError(t, eng.IndexPage(ctx, docset, page))
	first, err := eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.ContentHash)
	require.NotEmpty(t, first.ETag)
	require.NotNil(t, first.IndexedAt)

	chunks, err := eng.Meta.GetChunksByPage(ctx, page.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, eng.IndexPage(ctx, docset, first))

	assert.Equal(t, 2, site.count("/docs/intro"))
	second, err := eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PageIndexed, second.Status)
	assert.True(t, second.IndexedAt.Equal(*first.IndexedAt), "304 does not rebuild the index")
	assert.True(t, second.FetchedAt.After(*first.FetchedAt), "the revalidation is recorded")

	after, err := eng.Meta.GetChunksByPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), len(after))
}

func TestIndexPageUnchangedContentShortCircuit(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	site.set("/docs/intro", introPage)
	eng := newTestEngine(t)

	docset, err := eng.Meta.CreateDocset(ctx, store.CreateDocsetInput{
		BaseURL:  site.srv.URL,
		SeedPath: "/docs/intro",
	})
	require.NoError(t, err)
	page := createTestPage(t, eng, docset, "/docs/intro")

	require.NoError(t, eng.IndexPage(ctx, docset, page))
	first, err := eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, eng.IndexPage(ctx, docset, first))

	second, err := eng.Meta.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.True(t, second.IndexedAt.Equal(*first.IndexedAt), "same content hash skips the rebuild")
}

func TestRecoverFromCrash(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	site.set("/docs/intro", introPage)
	site.set("/docs/config", configPage)
	eng := newTestEngine(t)

	docset, err := eng.Meta.CreateDocset(ctx, store.CreateDocsetInput{
		BaseURL:  site.srv.URL,
		SeedPath: "/docs/intro",
	})
	require.NoError(t, err)
	require.NoError(t, eng.Vectors.Init(ctx, docset.ID))

	// A page stranded mid-fetch by the crash.
	stranded := createTestPage(t, eng, docset, "/docs/intro")
	fetching := store.PageFetching
	old := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, eng.Meta.UpdatePage(ctx, stranded.ID, store.PageUpdate{
		Status:        &fetching,
		LastAttemptAt: &old,
	}))

	// A page that failed once and deserves another attempt.
	errored := createTestPage(t, eng, docset, "/docs/config")
	failed := store.PageError
	one := 1
	require.NoError(t, eng.Meta.UpdatePage(ctx, errored.ID, store.PageUpdate{
		Status:     &failed,
		RetryCount: &one,
	}))

	require.NoError(t, eng.RecoverFromCrash(ctx))
	eng.WaitForCrawl(docset.ID)

	st, err := eng.Meta.GetIndexStatus(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.IndexedPages)
	assert.Zero(t, st.ErrorPages)

	got, err := eng.Meta.GetDocset(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocsetReady, got.Status)
}

func TestDeleteDocset(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	eng := newTestEngine(t)

	docset := indexTestDocset(t, eng, site)
	seedURL := docset.BaseURL + docset.SeedPath

	entry, err := eng.Cache.Get(seedURL)
	require.NoError(t, err)
	require.NotNil(t, entry, "the crawl populated the cache")

	require.NoError(t, eng.DeleteDocset(ctx, docset.ID))

	_, err = eng.Meta.GetDocset(ctx, docset.ID)
	assert.True(t, oerrors.IsNotFound(err))

	n, err := eng.Vectors.Count(ctx, docset.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	entry, err = eng.Cache.Get(seedURL)
	require.NoError(t, err)
	assert.Nil(t, entry, "cached bodies for the host are gone")

	err = eng.DeleteDocset(ctx, docset.ID)
	assert.True(t, oerrors.IsNotFound(err))
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	site := newTestSite(t)
	eng := newTestEngine(t)

	_, err := eng.Status(ctx, "missing", false)
	assert.True(t, oerrors.IsNotFound(err))

	docset := indexTestDocset(t, eng, site)

	report, err := eng.Status(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, docset.ID, report[0].Docset.ID)
	assert.Equal(t, 2, report[0].IndexStatus.IndexedPages)
	assert.False(t, report[0].Crawling)
	assert.Nil(t, report[0].StuckPages)

	// Strand a page and ask for stuck detail.
	stranded := createTestPage(t, eng, docset, "/docs/stuck")
	fetching := store.PageFetching
	old := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, eng.Meta.UpdatePage(ctx, stranded.ID, store.PageUpdate{
		Status:        &fetching,
		LastAttemptAt: &old,
	}))

	report, err = eng.Status(ctx, docset.ID, true)
	require.NoError(t, err)
	require.Len(t, report, 1)
	require.Len(t, report[0].StuckPages, 1)
	assert.Equal(t, stranded.ID, report[0].StuckPages[0].ID)
}
