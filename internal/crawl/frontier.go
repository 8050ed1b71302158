// Package crawl drives docset crawling: a per-docset link frontier that
// admits URLs into the page table, and a worker-pool runner that pulls
// pending pages through the indexing pipeline under a host rate limit.
package crawl

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/store"
)

// DefaultMaxPages caps how many pages a docset may accumulate.
const DefaultMaxPages = 1000

// Item is a queued crawl target.
type Item struct {
	URL   string
	Depth int
	From  string
}

// Frontier is the per-docset admission gate: it decides which discovered
// links become Page records, tracks visited URLs, and orders the queue by
// depth. Safe for concurrent use.
type Frontier struct {
	docset   *store.Docset
	meta     store.MetadataStore
	maxPages int
	logger   *slog.Logger

	baseHost string

	mu      sync.Mutex
	visited map[string]struct{}
	depths  map[string]int
	queue   []Item
	count   int // known page count, refreshed lazily against the store
}

// NewFrontier creates a frontier for one docset. maxPages <= 0 takes
// DefaultMaxPages.
func NewFrontier(docset *store.Docset, meta store.MetadataStore, maxPages int, logger *slog.Logger) *Frontier {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	host := ""
	if u, err := url.Parse(docset.BaseURL); err == nil {
		host = u.Host
	}
	return &Frontier{
		docset:   docset,
		meta:     meta,
		maxPages: maxPages,
		logger:   logger,
		baseHost: host,
		visited:  make(map[string]struct{}),
		depths:   make(map[string]int),
		count:    -1,
	}
}

// DiscoverLinks admits candidate URLs found on fromURL at the given depth.
// A candidate is enqueued only if it is on the docset's host, under an
// allowed path prefix, not yet visited, not already a page, and the docset
// is below its page cap. Returns the number of pages created.
func (f *Frontier) DiscoverLinks(ctx context.Context, fromURL string, candidates []string, depth int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.count < 0 {
		n, err := f.meta.CountPages(ctx, f.docset.ID)
		if err != nil {
			return 0, err
		}
		f.count = n
	}

	created := 0
	for _, candidate := range candidates {
		if _, seen := f.visited[candidate]; seen {
			continue
		}
		f.visited[candidate] = struct{}{}

		u, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		if u.Host != f.baseHost || !f.pathAllowed(u.Path) {
			continue
		}

		existing, err := f.meta.GetPageByURL(ctx, f.docset.ID, candidate)
		if err != nil && !oerrors.IsNotFound(err) {
			return created, err
		}
		if existing != nil {
			continue
		}

		if f.count >= f.maxPages {
			f.logger.Debug("frontier_page_cap",
				slog.String("docset_id", f.docset.ID),
				slog.Int("max_pages", f.maxPages))
			break
		}

		page := &store.Page{
			ID:        store.PageID(f.docset.ID, candidate),
			DocsetID:  f.docset.ID,
			URL:       candidate,
			Path:      u.Path,
			Status:    store.PagePending,
			CreatedAt: time.Now().UTC(),
		}
		if err := f.meta.CreatePage(ctx, page); err != nil {
			return created, err
		}
		f.count++
		created++
		f.depths[candidate] = depth + 1
		f.queue = append(f.queue, Item{URL: candidate, Depth: depth + 1, From: fromURL})
	}
	return created, nil
}

// Seed enqueues the docset's seed URL at depth zero so the crawl starts
// there. A no-op once the URL has been seen.
func (f *Frontier) Seed(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[rawURL]; seen {
		return
	}
	f.visited[rawURL] = struct{}{}
	f.depths[rawURL] = 0
	f.queue = append(f.queue, Item{URL: rawURL})
}

// Depth reports the crawl depth a URL was admitted at, zero when unknown.
func (f *Frontier) Depth(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depths[rawURL]
}

// Next pops the shallowest queued item, insertion order breaking ties.
// Returns false when the queue is empty.
func (f *Frontier) Next() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue) == 0 {
		return Item{}, false
	}
	best := 0
	for i, item := range f.queue {
		if item.Depth < f.queue[best].Depth {
			best = i
		}
	}
	item := f.queue[best]
	f.queue = append(f.queue[:best], f.queue[best+1:]...)
	return item, true
}

// Len reports the queued item count.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// LoadPending hydrates the queue from pages still pending in the store,
// used on resume after a restart. Hydrated items carry depth 0.
func (f *Frontier) LoadPending(ctx context.Context) (int, error) {
	pages, err := f.meta.ListPages(ctx, f.docset.ID, store.ListPagesOptions{
		Status: store.PagePending,
		Limit:  f.maxPages,
	})
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	loaded := 0
	for _, page := range pages {
		if _, seen := f.visited[page.URL]; seen {
			continue
		}
		f.visited[page.URL] = struct{}{}
		f.queue = append(f.queue, Item{URL: page.URL})
		loaded++
	}
	return loaded, nil
}

// pathAllowed reports whether a path sits under one of the docset's allowed
// prefixes. An empty prefix list allows everything on the host.
func (f *Frontier) pathAllowed(p string) bool {
	if len(f.docset.AllowedPaths) == 0 {
		return true
	}
	for _, prefix := range f.docset.AllowedPaths {
		if prefix == "/" || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
