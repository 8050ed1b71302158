package crawl

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoracle/memoracle/internal/store"
)

func newCrawlFixture(t *testing.T) (store.MetadataStore, *store.Docset) {
	t.Helper()
	meta, err := store.NewSQLiteStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	docset, err := meta.CreateDocset(context.Background(), store.CreateDocsetInput{
		BaseURL:      "https://docs.example.com",
		SeedPath:     "/docs/intro",
		AllowedPaths: []string{"/docs"},
	})
	require.NoError(t, err)
	return meta, docset
}

func TestDiscoverLinksConfinement(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	f := NewFrontier(docset, meta, 0, nil)

	created, err := f.DiscoverLinks(ctx, "https://docs.example.com/docs/intro", []string{
		"https://docs.example.com/docs/guide",   // admitted
		"https://docs.example.com/blog/post",    // outside allowed paths
		"https://other.example.com/docs/guide",  // wrong host
		"https://docs.example.com/docs/guide",   // duplicate, already visited
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	page, err := meta.GetPageByURL(ctx, docset.ID, "https://docs.example.com/docs/guide")
	require.NoError(t, err)
	assert.Equal(t, store.PagePending, page.Status)
	assert.Equal(t, "/docs/guide", page.Path)

	// Re-discovery of a visited URL is a no-op.
	created, err = f.DiscoverLinks(ctx, "https://docs.example.com/docs/other", []string{
		"https://docs.example.com/docs/guide",
	}, 1)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestDiscoverLinksSkipsExistingPages(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	require.NoError(t, meta.CreatePage(ctx, &store.Page{
		DocsetID: docset.ID,
		URL:      "https://docs.example.com/docs/existing",
		Path:     "/docs/existing",
	}))

	f := NewFrontier(docset, meta, 0, nil)
	created, err := f.DiscoverLinks(ctx, "https://docs.example.com/docs/intro", []string{
		"https://docs.example.com/docs/existing",
		"https://docs.example.com/docs/new",
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, created, "known pages are not re-created")
	assert.Equal(t, 1, f.Len(), "only the new page is queued")
}

func TestDiscoverLinksPageCap(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	f := NewFrontier(docset, meta, 2, nil)

	var candidates []string
	for i := 0; i < 5; i++ {
		candidates = append(candidates, fmt.Sprintf("https://docs.example.com/docs/p%d", i))
	}
	created, err := f.DiscoverLinks(ctx, "https://docs.example.com/docs/intro", candidates, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	n, err := meta.CountPages(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNextOrdersByDepth(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	f := NewFrontier(docset, meta, 0, nil)

	_, err := f.DiscoverLinks(ctx, "https://docs.example.com/docs/deep", []string{
		"https://docs.example.com/docs/d2a",
	}, 2)
	require.NoError(t, err)
	_, err = f.DiscoverLinks(ctx, "https://docs.example.com/docs/intro", []string{
		"https://docs.example.com/docs/d1a",
		"https://docs.example.com/docs/d1b",
	}, 0)
	require.NoError(t, err)

	first, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, "https://docs.example.com/docs/d1a", first.URL, "shallowest first")
	assert.Equal(t, 1, first.Depth)

	second, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, "https://docs.example.com/docs/d1b", second.URL, "insertion order breaks ties")

	third, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, 3, third.Depth)

	_, ok = f.Next()
	assert.False(t, ok)
}

func TestSeedAndDepth(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	f := NewFrontier(docset, meta, 0, nil)

	f.Seed("https://docs.example.com/docs/intro")
	f.Seed("https://docs.example.com/docs/intro") // idempotent
	assert.Equal(t, 1, f.Len())
	assert.Zero(t, f.Depth("https://docs.example.com/docs/intro"))

	_, err := f.DiscoverLinks(ctx, "https://docs.example.com/docs/intro", []string{
		"https://docs.example.com/docs/guide",
	}, f.Depth("https://docs.example.com/docs/intro"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.Depth("https://docs.example.com/docs/guide"))
	assert.Zero(t, f.Depth("https://docs.example.com/docs/unknown"))
}

func TestLoadPending(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	require.NoError(t, meta.CreatePage(ctx, &store.Page{
		DocsetID: docset.ID, URL: "https://docs.example.com/docs/a", Path: "/docs/a",
	}))
	require.NoError(t, meta.CreatePage(ctx, &store.Page{
		DocsetID: docset.ID, URL: "https://docs.example.com/docs/b", Path: "/docs/b",
		Status: store.PageIndexed,
	}))

	f := NewFrontier(docset, meta, 0, nil)
	loaded, err := f.LoadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded, "only pending pages hydrate the queue")

	item, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, "https://docs.example.com/docs/a", item.URL)
}

func TestPathAllowed(t *testing.T) {
	meta, docset := newCrawlFixture(t)

	f := NewFrontier(docset, meta, 0, nil)
	assert.True(t, f.pathAllowed("/docs/anything"))
	assert.False(t, f.pathAllowed("/blog/post"))

	docset.AllowedPaths = nil
	assert.True(t, f.pathAllowed("/anywhere"), "no prefixes means the whole host")

	docset.AllowedPaths = []string{"/"}
	assert.True(t, f.pathAllowed("/anywhere"))
}
