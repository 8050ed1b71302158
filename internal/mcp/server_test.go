package mcp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoracle/memoracle/internal/cache"
	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/embed"
	"github.com/memoracle/memoracle/internal/engine"
	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/fetch"
	"github.com/memoracle/memoracle/internal/store"
)

const introPage = `# Introduction

Memoracle keeps a local copy of documentation sites and answers
questions about them without touching the network again.

Indexing splits the extracted text into chunks and embeds each chunk
for similarity search across the whole docset.
`

func newMCPFixture(t *testing.T) (*Server, *engine.Engine, string) {
	t.Helper()

	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs/intro" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, introPage)
	}))
	t.Cleanup(docs.Close)

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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(meta, vectors, store.NewSQLiteKeywordIndex(meta),
		contentCache, fetch.New(contentCache, "memoracle-test", 5*time.Second, logger),
		embed.NewLocal(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return NewServer(eng, logger), eng, docs.URL
}

func indexFixtureDocs(t *testing.T, s *Server, eng *engine.Engine, baseURL string) string {
	t.Helper()
	_, out, err := s.handleIndexDocs(context.Background(), nil, IndexDocsInput{
		BaseURL:     baseURL,
		SeedSlug:    "docs/intro",
		WaitForSeed: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.DocsetID)
	eng.WaitForCrawl(out.DocsetID)
	return out.DocsetID
}

func resultText(t *testing.T, res *sdk.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestHandleIndexDocs(t *testing.T) {
	s, eng, baseURL := newMCPFixture(t)

	res, out, err := s.handleIndexDocs(context.Background(), nil, IndexDocsInput{
		BaseURL:     baseURL,
		SeedSlug:    "docs/intro",
		WaitForSeed: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.DocsetID)
	assert.True(t, out.SeedIndexed)
	assert.Contains(t, resultText(t, res), out.DocsetID)
	eng.WaitForCrawl(out.DocsetID)

	_, _, err = s.handleIndexDocs(context.Background(), nil, IndexDocsInput{})
	require.Error(t, err)
	assert.Equal(t, oerrors.KindConfig, oerrors.KindOf(err))
}

func TestHandleIndexStatus(t *testing.T) {
	s, eng, baseURL := newMCPFixture(t)

	res, out, err := s.handleIndexStatus(context.Background(), nil, IndexStatusInput{})
	require.NoError(t, err)
	assert.Zero(t, out.Docsets)
	assert.Contains(t, resultText(t, res), "No docsets")

	id := indexFixtureDocs(t, s, eng, baseURL)

	res, out, err = s.handleIndexStatus(context.Background(), nil, IndexStatusInput{DocsetID: id})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Docsets)
	text := resultText(t, res)
	assert.Contains(t, text, id)
	assert.Contains(t, text, "1 indexed")

	_, _, err = s.handleIndexStatus(context.Background(), nil, IndexStatusInput{DocsetID: "missing"})
	assert.True(t, oerrors.IsNotFound(err))
}

func TestHandleSearchDocs(t *testing.T) {
	s, eng, baseURL := newMCPFixture(t)
	indexFixtureDocs(t, s, eng, baseURL)

	res, out, err := s.handleSearchDocs(context.Background(), nil, SearchDocsInput{
		Query: "similarity search chunks",
	})
	require.NoError(t, err)
	assert.Greater(t, out.Results, 0)
	assert.Greater(t, out.TotalChars, 0)
	text := resultText(t, res)
	assert.Contains(t, text, "## ")
	assert.Contains(t, text, "Source: ")

	_, _, err = s.handleSearchDocs(context.Background(), nil, SearchDocsInput{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, oerrors.KindConfig, oerrors.KindOf(err))

	res, out, err = s.handleSearchDocs(context.Background(), nil, SearchDocsInput{
		Query:     "anything",
		DocsetIDs: []string{"no-such-docset"},
	})
	require.NoError(t, err)
	assert.Zero(t, out.Results)
	assert.Contains(t, resultText(t, res), "No results")
}

func TestHandleGetSnippets(t *testing.T) {
	s, eng, baseURL := newMCPFixture(t)
	indexFixtureDocs(t, s, eng, baseURL)

	res, out, err := s.handleGetSnippets(context.Background(), nil, GetSnippetsInput{
		Query: "documentation sites",
	})
	require.NoError(t, err)
	assert.Greater(t, out.Results, 0)
	text := resultText(t, res)
	assert.True(t, strings.HasPrefix(text, "1. "), "entries are numbered: %q", text)
	assert.Contains(t, text, "(score ")
	assert.Contains(t, text, "/docs/intro")
	assert.NotContains(t, text, "## ", "snippet listing stays compact")

	_, _, err = s.handleGetSnippets(context.Background(), nil, GetSnippetsInput{})
	require.Error(t, err)
	assert.Equal(t, oerrors.KindConfig, oerrors.KindOf(err))
}
