package crawl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoracle/memoracle/internal/store"
)

// markingIndexer flips every claimed page to indexed and records the order.
type markingIndexer struct {
	meta store.MetadataStore

	mu   sync.Mutex
	urls []string
}

func (m *markingIndexer) IndexPage(ctx context.Context, docset *store.Docset, page *store.Page) error {
	m.mu.Lock()
	m.urls = append(m.urls, page.URL)
	m.mu.Unlock()

	indexed := store.PageIndexed
	return m.meta.UpdatePage(ctx, page.ID, store.PageUpdate{Status: &indexed})
}

func (m *markingIndexer) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.urls...)
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not drain")
	}
}

func TestRunnerDrainsAndMarksReady(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	for _, u := range []string{"a", "b", "c"} {
		require.NoError(t, meta.CreatePage(ctx, &store.Page{
			DocsetID: docset.ID,
			URL:      "https://docs.example.com/docs/" + u,
			Path:     "/docs/" + u,
		}))
	}

	indexer := &markingIndexer{meta: meta}
	r := NewRunner(docset, meta, indexer, nil, 2, 0, nil)
	r.Start(ctx)
	waitDone(t, r)

	assert.Len(t, indexer.seen(), 3, "every pending page is indexed exactly once")
	assert.Zero(t, r.InFlight())

	got, err := meta.GetDocset(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocsetReady, got.Status)

	st, err := meta.GetIndexStatus(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.IndexedPages)
	assert.Zero(t, st.PendingPages)
}

func TestRunnerEmptyQueueStillMarksReady(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)

	r := NewRunner(docset, meta, &markingIndexer{meta: meta}, nil, 2, 0, nil)
	r.Start(ctx)
	waitDone(t, r)

	got, err := meta.GetDocset(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocsetReady, got.Status)
}

func TestRunnerStopSkipsReady(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	require.NoError(t, meta.CreatePage(ctx, &store.Page{
		DocsetID: docset.ID,
		URL:      "https://docs.example.com/docs/a",
		Path:     "/docs/a",
	}))

	r := NewRunner(docset, meta, &markingIndexer{meta: meta}, nil, 1, 0, nil)
	r.Stop()
	assert.True(t, r.Stopped())
	r.Start(ctx)
	waitDone(t, r)

	got, err := meta.GetDocset(ctx, docset.ID)
	require.NoError(t, err)
	assert.NotEqual(t, store.DocsetReady, got.Status, "a stopped crawl leaves the status alone")

	page, err := meta.GetPageByURL(ctx, docset.ID, "https://docs.example.com/docs/a")
	require.NoError(t, err)
	assert.Equal(t, store.PagePending, page.Status, "no page was claimed after the stop")
}

func TestRunnerCancelledContext(t *testing.T) {
	meta, docset := newCrawlFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(docset, meta, &markingIndexer{meta: meta}, nil, 2, 0, nil)
	r.Start(ctx)
	waitDone(t, r)

	got, err := meta.GetDocset(context.Background(), docset.ID)
	require.NoError(t, err)
	assert.NotEqual(t, store.DocsetReady, got.Status)
}

// gaugeIndexer tracks how many IndexPage calls overlap.
type gaugeIndexer struct {
	meta store.MetadataStore

	cur atomic.Int64
	max atomic.Int64
}

func (g *gaugeIndexer) IndexPage(ctx context.Context, docset *store.Docset, page *store.Page) error {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	g.cur.Add(-1)

	indexed := store.PageIndexed
	return g.meta.UpdatePage(ctx, page.ID, store.PageUpdate{Status: &indexed})
}

func TestRunnerConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	for i := 0; i < 12; i++ {
		require.NoError(t, meta.CreatePage(ctx, &store.Page{
			DocsetID: docset.ID,
			URL:      fmt.Sprintf("https://docs.example.com/docs/p%d", i),
			Path:     fmt.Sprintf("/docs/p%d", i),
		}))
	}

	indexer := &gaugeIndexer{meta: meta}
	r := NewRunner(docset, meta, indexer, nil, 3, 0, nil)
	r.Start(ctx)
	waitDone(t, r)

	assert.LessOrEqual(t, indexer.max.Load(), int64(3),
		"never more pages in flight than workers")

	st, err := meta.GetIndexStatus(ctx, docset.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, st.IndexedPages)
}

func TestRunnerClaimsShallowestFirst(t *testing.T) {
	ctx := context.Background()
	meta, docset := newCrawlFixture(t)
	f := NewFrontier(docset, meta, 0, nil)

	_, err := f.DiscoverLinks(ctx, "https://docs.example.com/docs/mid", []string{
		"https://docs.example.com/docs/deep",
	}, 1)
	require.NoError(t, err)
	_, err = f.DiscoverLinks(ctx, "https://docs.example.com/docs/intro", []string{
		"https://docs.example.com/docs/shallow",
	}, 0)
	require.NoError(t, err)

	indexer := &markingIndexer{meta: meta}
	r := NewRunner(docset, meta, indexer, f, 1, 0, nil)
	r.Start(ctx)
	waitDone(t, r)

	require.Equal(t, []string{
		"https://docs.example.com/docs/shallow",
		"https://docs.example.com/docs/deep",
	}, indexer.seen())
}

func TestRunnerRateLimiterSpacing(t *testing.T) {
	r := NewRunner(&store.Docset{ID: "d"}, nil, nil, nil, 2, 20*time.Millisecond, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		r.waitForSlot(context.Background())
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond,
		"three slots at 20ms delay need at least two waits")
}
