// Package engine is the orchestrator: it owns the indexing pipeline
// (fetch, extract, chunk, embed, store), the per-docset crawl runners, and
// the hybrid query path. Every external surface (HTTP, MCP, CLI) is a thin
// shell over this package.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/memoracle/memoracle/internal/cache"
	"github.com/memoracle/memoracle/internal/chunk"
	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/crawl"
	"github.com/memoracle/memoracle/internal/embed"
	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/extract"
	"github.com/memoracle/memoracle/internal/fetch"
	"github.com/memoracle/memoracle/internal/store"
)

// Recovery defaults.
const (
	StuckThreshold = 5 * time.Minute
	MaxRetries     = 3
)

// Engine wires the stores, the fetcher, and the embedding provider into
// the docset lifecycle. All fields are required.
type Engine struct {
	Meta     store.MetadataStore
	Vectors  store.VectorStore
	Keyword  store.KeywordIndex
	Cache    *cache.Cache
	Fetcher  *fetch.Fetcher
	Embedder embed.Provider
	Config   *config.Config
	Logger   *slog.Logger

	chunker *chunk.Chunker

	mu        sync.Mutex
	runners   map[string]*crawl.Runner
	frontiers map[string]*crawl.Frontier
}

var _ crawl.PageIndexer = (*Engine)(nil)

// New validates the dependency set and returns an engine.
func New(meta store.MetadataStore, vectors store.VectorStore, keyword store.KeywordIndex,
	contentCache *cache.Cache, fetcher *fetch.Fetcher, embedder embed.Provider,
	cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	switch {
	case meta == nil:
		return nil, oerrors.Internal("engine requires a metadata store", nil)
	case vectors == nil:
		return nil, oerrors.Internal("engine requires a vector store", nil)
	case keyword == nil:
		return nil, oerrors.Internal("engine requires a keyword index", nil)
	case contentCache == nil:
		return nil, oerrors.Internal("engine requires a content cache", nil)
	case fetcher == nil:
		return nil, oerrors.Internal("engine requires a fetcher", nil)
	case embedder == nil:
		return nil, oerrors.Internal("engine requires an embedding provider", nil)
	case cfg == nil:
		return nil, oerrors.Internal("engine requires a config", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Meta:      meta,
		Vectors:   vectors,
		Keyword:   keyword,
		Cache:     contentCache,
		Fetcher:   fetcher,
		Embedder:  embedder,
		Config:    cfg,
		Logger:    logger,
		chunker:   chunk.New(chunk.Options{}),
		runners:   make(map[string]*crawl.Runner),
		frontiers: make(map[string]*crawl.Frontier),
	}, nil
}

// IndexDocsetInput describes the docset to index.
type IndexDocsetInput struct {
	BaseURL      string
	SeedSlug     string
	Name         string
	AllowedPaths []string
	WaitForSeed  bool
}

// IndexDocsetResult is returned by IndexDocset.
type IndexDocsetResult struct {
	Docset      *store.Docset `json:"docset"`
	SeedIndexed bool          `json:"seedIndexed"`
}

// IndexDocset finds or creates the docset, ensures its seed page exists,
// optionally indexes the seed synchronously, and starts the background
// crawl. Calling it again for an in-progress docset is harmless.
func (e *Engine) IndexDocset(ctx context.Context, input IndexDocsetInput) (*IndexDocsetResult, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(input.BaseURL), "/")
	if baseURL == "" {
		return nil, oerrors.ConfigInvalid("baseUrl is required")
	}
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, oerrors.ConfigInvalid(fmt.Sprintf("baseUrl must be an absolute URL (got %q)", input.BaseURL))
	}

	docset, err := e.Meta.GetDocsetByURL(ctx, baseURL)
	if err != nil && !oerrors.IsNotFound(err) {
		return nil, err
	}
	if docset == nil {
		docset, err = e.Meta.CreateDocset(ctx, store.CreateDocsetInput{
			Name:         input.Name,
			BaseURL:      baseURL,
			SeedPath:     seedPath(input.SeedSlug),
			AllowedPaths: input.AllowedPaths,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := e.Vectors.Init(ctx, docset.ID); err != nil {
		return nil, err
	}
	if err := e.Meta.UpdateDocsetStatus(ctx, docset.ID, store.DocsetIndexing); err != nil {
		return nil, err
	}
	docset.Status = store.DocsetIndexing

	seedURL := docset.BaseURL + docset.SeedPath
	seed, err := e.Meta.GetPageByURL(ctx, docset.ID, seedURL)
	if err != nil && !oerrors.IsNotFound(err) {
		return nil, err
	}
	if seed == nil {
		seed = &store.Page{
			ID:        store.PageID(docset.ID, seedURL),
			DocsetID:  docset.ID,
			URL:       seedURL,
			Path:      docset.SeedPath,
			Status:    store.PagePending,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.Meta.CreatePage(ctx, seed); err != nil {
			return nil, err
		}
	}

	e.frontier(docset).Seed(seedURL)

	seedIndexed := seed.Status == store.PageIndexed
	if input.WaitForSeed && !seedIndexed {
		if err := e.IndexPage(ctx, docset, seed); err != nil {
			e.Logger.Warn("seed_index_failed",
				slog.String("docset_id", docset.ID),
				slog.String("url", seedURL),
				slog.String("error", err.Error()))
		} else {
			seedIndexed = true
		}
	}

	e.StartCrawl(ctx, docset)
	return &IndexDocsetResult{Docset: docset, SeedIndexed: seedIndexed}, nil
}

// IndexPage runs the per-page state machine, persisting every transition.
// Returns the classified error after the page record has been updated.
func (e *Engine) IndexPage(ctx context.Context, docset *store.Docset, page *store.Page) error {
	err := e.indexPage(ctx, docset, page)
	if err == nil {
		return nil
	}

	msg := err.Error()
	if oerrors.SkipStatus(err) {
		skipped := store.PageSkipped
		if uerr := e.Meta.UpdatePage(ctx, page.ID, store.PageUpdate{
			Status:       &skipped,
			ErrorMessage: &msg,
		}); uerr != nil {
			e.Logger.Error("page_status_write", slog.String("page_id", page.ID), slog.String("error", uerr.Error()))
		}
		e.Logger.Info("page_skipped", slog.String("url", page.URL), slog.String("reason", msg))
		return err
	}

	failed := store.PageError
	update := store.PageUpdate{Status: &failed, ErrorMessage: &msg}
	if !oerrors.IsCancelled(err) {
		retries := page.RetryCount + 1
		update.RetryCount = &retries
	}
	if uerr := e.Meta.UpdatePage(ctx, page.ID, update); uerr != nil {
		e.Logger.Error("page_status_write", slog.String("page_id", page.ID), slog.String("error", uerr.Error()))
	}
	e.Logger.Warn("page_error", slog.String("url", page.URL), slog.String("error", msg))
	return err
}

func (e *Engine) indexPage(ctx context.Context, docset *store.Docset, page *store.Page) error {
	now := time.Now().UTC()
	fetching := store.PageFetching
	if err := e.Meta.UpdatePage(ctx, page.ID, store.PageUpdate{
		Status:        &fetching,
		LastAttemptAt: &now,
	}); err != nil {
		return err
	}

	result, err := e.Fetcher.Fetch(ctx, page.URL, fetch.Options{
		ETag:         page.ETag,
		LastModified: page.LastModified,
	})
	if err != nil {
		return err
	}

	// Not modified and already indexed before: nothing to rebuild.
	if result.Status == 304 && result.FromCache && page.ContentHash != "" {
		return e.markIndexed(ctx, page.ID, store.PageUpdate{FetchedAt: timePtr(time.Now().UTC())})
	}

	hash := contentHash(result.Content)
	if hash == page.ContentHash && page.ContentHash != "" {
		return e.markIndexed(ctx, page.ID, store.PageUpdate{FetchedAt: timePtr(time.Now().UTC())})
	}

	fetched := store.PageFetched
	if err := e.Meta.UpdatePage(ctx, page.ID, store.PageUpdate{
		Status:       &fetched,
		ContentHash:  &hash,
		ETag:         &result.ETag,
		LastModified: &result.LastModified,
		FetchedAt:    timePtr(time.Now().UTC()),
	}); err != nil {
		return err
	}

	doc, err := extract.Extract(page.URL, result.Content, result.ContentType)
	if err != nil {
		return err
	}

	indexing := store.PageIndexing
	if err := e.Meta.UpdatePage(ctx, page.ID, store.PageUpdate{
		Status: &indexing,
		Title:  &doc.Title,
	}); err != nil {
		return err
	}

	f := e.frontier(docset)
	if _, err := f.DiscoverLinks(ctx, page.URL, doc.Links, f.Depth(page.URL)); err != nil {
		// Discovery failure should not fail the page itself.
		e.Logger.Warn("link_discovery_failed",
			slog.String("url", page.URL), slog.String("error", err.Error()))
	}

	if err := e.deletePageChunks(ctx, docset.ID, page.ID); err != nil {
		return err
	}

	pieces := e.chunker.Split(doc.Content, doc.Headings)
	if len(pieces) == 0 {
		return e.markIndexed(ctx, page.ID, store.PageUpdate{IndexedAt: timePtr(time.Now().UTC())})
	}

	chunks := make([]*store.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		chunks[i] = &store.Chunk{
			ID:          store.ChunkID(page.ID, p.Index, p.Content),
			PageID:      page.ID,
			DocsetID:    docset.ID,
			Content:     p.Content,
			Heading:     p.Heading,
			StartOffset: p.StartOffset,
			EndOffset:   p.EndOffset,
			Index:       p.Index,
			CreatedAt:   time.Now().UTC(),
		}
		texts[i] = p.Content
	}

	if err := e.Meta.CreateChunks(ctx, chunks); err != nil {
		return err
	}

	docs := make([]*store.KeywordDoc, len(chunks))
	for i, c := range chunks {
		docs[i] = &store.KeywordDoc{
			ChunkID:  c.ID,
			PageID:   c.PageID,
			DocsetID: c.DocsetID,
			URL:      page.URL,
			Title:    doc.Title,
			Heading:  c.Heading,
			Content:  c.Content,
		}
	}
	if err := e.Keyword.Index(ctx, docs); err != nil {
		return err
	}

	vectors, err := e.Embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}

	records := make([]store.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.VectorRecord{
			ID:     c.ID,
			Vector: vectors[i],
			Metadata: store.VectorMetadata{
				DocsetID: c.DocsetID,
				PageID:   c.PageID,
				ChunkID:  c.ID,
				URL:      page.URL,
				Title:    doc.Title,
				Heading:  c.Heading,
				Content:  c.Content,
			},
		}
	}
	if err := e.Vectors.Upsert(ctx, docset.ID, records); err != nil {
		return err
	}

	for _, c := range chunks {
		if err := e.Meta.SetChunkEmbeddingID(ctx, c.ID, c.ID); err != nil {
			return err
		}
	}

	e.Logger.Info("page_indexed",
		slog.String("docset_id", docset.ID),
		slog.String("url", page.URL),
		slog.Int("chunks", len(chunks)))
	return e.markIndexed(ctx, page.ID, store.PageUpdate{IndexedAt: timePtr(time.Now().UTC())})
}

// deletePageChunks removes a page's chunks everywhere: vector namespace,
// keyword engine, metadata rows.
func (e *Engine) deletePageChunks(ctx context.Context, docsetID, pageID string) error {
	existing, err := e.Meta.GetChunksByPage(ctx, pageID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	ids := make([]string, len(existing))
	for i, c := range existing {
		ids[i] = c.ID
	}
	if err := e.Vectors.Delete(ctx, docsetID, ids); err != nil {
		return err
	}
	if err := e.Keyword.Delete(ctx, ids); err != nil {
		return err
	}
	return e.Meta.DeleteChunks(ctx, pageID)
}

func (e *Engine) markIndexed(ctx context.Context, pageID string, extra store.PageUpdate) error {
	indexed := store.PageIndexed
	extra.Status = &indexed
	empty := ""
	extra.ErrorMessage = &empty
	return e.Meta.UpdatePage(ctx, pageID, extra)
}

// frontier returns the docset's frontier, creating it on first use.
func (e *Engine) frontier(docset *store.Docset) *crawl.Frontier {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.frontiers[docset.ID]
	if !ok {
		f = crawl.NewFrontier(docset, e.Meta, e.Config.Crawler.MaxPages, e.Logger)
		e.frontiers[docset.ID] = f
	}
	return f
}

// StartCrawl launches the background crawl for a docset. No-op when a
// runner is already active.
func (e *Engine) StartCrawl(ctx context.Context, docset *store.Docset) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.runners[docset.ID]; ok {
		select {
		case <-r.Done():
			// Drained; replace below.
		default:
			return
		}
	}

	f, ok := e.frontiers[docset.ID]
	if !ok {
		f = crawl.NewFrontier(docset, e.Meta, e.Config.Crawler.MaxPages, e.Logger)
		e.frontiers[docset.ID] = f
	}
	if _, err := f.LoadPending(ctx); err != nil {
		e.Logger.Warn("frontier_load_pending",
			slog.String("docset_id", docset.ID), slog.String("error", err.Error()))
	}

	runner := crawl.NewRunner(docset, e.Meta, e, f,
		e.Config.Crawler.Concurrency,
		time.Duration(e.Config.Crawler.RequestDelayMs)*time.Millisecond,
		e.Logger)
	e.runners[docset.ID] = runner
	// The runner outlives the request that started it.
	runner.Start(context.WithoutCancel(ctx))
	e.Logger.Info("crawl_started", slog.String("docset_id", docset.ID))
}

// StopCrawl requests a stop and waits for the runner to drain.
func (e *Engine) StopCrawl(docsetID string) {
	e.mu.Lock()
	runner, ok := e.runners[docsetID]
	e.mu.Unlock()
	if !ok {
		return
	}
	runner.Stop()
	<-runner.Done()
}

// StopAllCrawls stops every active runner, used at shutdown.
func (e *Engine) StopAllCrawls() {
	e.mu.Lock()
	runners := make([]*crawl.Runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	for _, r := range runners {
		<-r.Done()
	}
}

// WaitForCrawl blocks until the docset's runner drains. No-op when the
// docset has no runner.
func (e *Engine) WaitForCrawl(docsetID string) {
	e.mu.Lock()
	r, ok := e.runners[docsetID]
	e.mu.Unlock()
	if ok {
		<-r.Done()
	}
}

// IsCrawling reports whether a docset has an active runner.
func (e *Engine) IsCrawling(docsetID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[docsetID]
	if !ok {
		return false
	}
	select {
	case <-r.Done():
		return false
	default:
		return true
	}
}

// RecoverFromCrash repairs state left behind by an unclean shutdown: pages
// stranded in flight go back to pending, retryable error pages get another
// chance, and docsets with pending work resume crawling.
func (e *Engine) RecoverFromCrash(ctx context.Context) error {
	stuck, err := e.Meta.ResetStuckPages(ctx, StuckThreshold)
	if err != nil {
		return err
	}
	retried, err := e.Meta.ResetErrorPages(ctx, MaxRetries)
	if err != nil {
		return err
	}
	if stuck > 0 || retried > 0 {
		e.Logger.Info("crash_recovery",
			slog.Int("stuck_reset", stuck), slog.Int("errors_reset", retried))
	}

	docsets, err := e.Meta.ListDocsets(ctx)
	if err != nil {
		return err
	}
	for _, docset := range docsets {
		status, err := e.Meta.GetIndexStatus(ctx, docset.ID)
		if err != nil {
			return err
		}
		if status.PendingPages == 0 {
			continue
		}
		if err := e.Meta.UpdateDocsetStatus(ctx, docset.ID, store.DocsetIndexing); err != nil {
			return err
		}
		e.StartCrawl(ctx, docset)
	}
	return nil
}

// DeleteDocset removes a docset and everything derived from it: crawl
// runner, vector namespace, metadata rows, and cached page bodies.
func (e *Engine) DeleteDocset(ctx context.Context, id string) error {
	docset, err := e.Meta.GetDocset(ctx, id)
	if err != nil {
		return err
	}
	if docset == nil {
		return oerrors.NotFound("docset", id)
	}

	e.StopCrawl(id)

	if err := e.Vectors.Clear(ctx, id); err != nil {
		return err
	}
	if err := e.Meta.DeleteDocset(ctx, id); err != nil {
		return err
	}

	if u, err := url.Parse(docset.BaseURL); err == nil && u.Hostname() != "" {
		if err := e.Cache.DeleteHost(u.Hostname()); err != nil {
			e.Logger.Warn("cache_host_delete_failed",
				slog.String("host", u.Hostname()), slog.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	delete(e.runners, id)
	delete(e.frontiers, id)
	e.mu.Unlock()

	e.Logger.Info("docset_deleted", slog.String("docset_id", id))
	return nil
}

// DocsetStatus is one docset's line in a status report.
type DocsetStatus struct {
	Docset      *store.Docset      `json:"docset"`
	IndexStatus *store.IndexStatus `json:"indexStatus"`
	Crawling    bool               `json:"crawling"`
	StuckPages  []*store.Page      `json:"stuckPages,omitempty"`
}

// Status reports per-docset progress. An empty docsetID covers every
// docset; includeStuck adds pages stranded in flight past the threshold.
func (e *Engine) Status(ctx context.Context, docsetID string, includeStuck bool) ([]*DocsetStatus, error) {
	var docsets []*store.Docset
	if docsetID != "" {
		docset, err := e.Meta.GetDocset(ctx, docsetID)
		if err != nil {
			return nil, err
		}
		if docset == nil {
			return nil, oerrors.NotFound("docset", docsetID)
		}
		docsets = []*store.Docset{docset}
	} else {
		var err error
		docsets, err = e.Meta.ListDocsets(ctx)
		if err != nil {
			return nil, err
		}
	}

	report := make([]*DocsetStatus, 0, len(docsets))
	for _, docset := range docsets {
		status, err := e.Meta.GetIndexStatus(ctx, docset.ID)
		if err != nil {
			return nil, err
		}
		entry := &DocsetStatus{
			Docset:      docset,
			IndexStatus: status,
			Crawling:    e.IsCrawling(docset.ID),
		}
		if includeStuck {
			stuck, err := e.Meta.GetStuckPages(ctx, docset.ID, StuckThreshold)
			if err != nil {
				return nil, err
			}
			entry.StuckPages = stuck
		}
		report = append(report, entry)
	}
	return report, nil
}

// Close stops crawls and closes the stores.
func (e *Engine) Close() error {
	e.StopAllCrawls()
	var firstErr error
	for _, closer := range []func() error{e.Keyword.Close, e.Vectors.Close, e.Meta.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func seedPath(slug string) string {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "/"
	}
	if !strings.HasPrefix(slug, "/") {
		slug = "/" + slug
	}
	return slug
}

func timePtr(t time.Time) *time.Time { return &t }
