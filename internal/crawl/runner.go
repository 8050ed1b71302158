package crawl

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/store"
)

// PageIndexer runs the full fetch-extract-chunk-embed pipeline for one
// page. The orchestration engine implements it; the runner stays ignorant
// of everything past the page claim.
type PageIndexer interface {
	IndexPage(ctx context.Context, docset *store.Docset, page *store.Page) error
}

// idlePoll is how long a worker sleeps when no page is claimable yet.
const idlePoll = 200 * time.Millisecond

// Runner is the background crawl for one docset: a fixed pool of workers
// claiming pending pages, throttled by a single per-docset rate limiter so
// host QPS stays at 1/requestDelay regardless of concurrency.
type Runner struct {
	docset       *store.Docset
	meta         store.MetadataStore
	indexer      PageIndexer
	frontier     *Frontier
	concurrency  int
	requestDelay time.Duration
	logger       *slog.Logger

	inFlight      atomic.Int64
	stopRequested atomic.Bool

	claimMu sync.Mutex // serializes claim (select + flip to fetching)

	rateMu             sync.Mutex
	nextAllowedFetchAt time.Time

	done chan struct{}
}

// NewRunner creates a runner; Start launches it. A non-nil frontier drives
// claim order (shallowest first); a nil frontier claims pending pages in
// insertion order straight from the store.
func NewRunner(docset *store.Docset, meta store.MetadataStore, indexer PageIndexer,
	frontier *Frontier, concurrency int, requestDelay time.Duration, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		docset:       docset,
		meta:         meta,
		indexer:      indexer,
		frontier:     frontier,
		concurrency:  concurrency,
		requestDelay: requestDelay,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Start launches the worker pool and returns immediately. When the pool
// drains — no pending pages remain and all in-flight work finished — the
// docset is marked ready, unless a stop was requested or the context died.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		var wg sync.WaitGroup
		for i := 0; i < r.concurrency; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				r.workerLoop(ctx, worker)
			}(i)
		}
		wg.Wait()

		for r.inFlight.Load() > 0 {
			time.Sleep(idlePoll)
		}

		if r.stopRequested.Load() || ctx.Err() != nil {
			r.logger.Info("crawl_stopped", slog.String("docset_id", r.docset.ID))
			return
		}
		if err := r.meta.UpdateDocsetStatus(context.Background(), r.docset.ID, store.DocsetReady); err != nil {
			r.logger.Error("crawl_finish_status",
				slog.String("docset_id", r.docset.ID), slog.String("error", err.Error()))
			return
		}
		r.logger.Info("crawl_complete", slog.String("docset_id", r.docset.ID))
	}()
}

// Stop requests a graceful stop: workers exit after their current page.
func (r *Runner) Stop() {
	r.stopRequested.Store(true)
}

// Stopped reports whether a stop was requested.
func (r *Runner) Stopped() bool {
	return r.stopRequested.Load()
}

// Done is closed once the pool has fully drained.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// InFlight reports pages currently being indexed.
func (r *Runner) InFlight() int {
	return int(r.inFlight.Load())
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	for !r.stopRequested.Load() && ctx.Err() == nil {
		if int(r.inFlight.Load()) >= r.concurrency {
			time.Sleep(idlePoll)
			continue
		}

		page, err := r.claim(ctx)
		if err != nil {
			if oerrors.IsCancelled(err) || ctx.Err() != nil {
				return
			}
			r.logger.Error("crawl_claim_failed",
				slog.String("docset_id", r.docset.ID), slog.String("error", err.Error()))
			time.Sleep(idlePoll)
			continue
		}
		if page == nil {
			// Queue drained for this worker.
			return
		}

		r.inFlight.Add(1)
		r.waitForSlot(ctx)

		err = r.indexer.IndexPage(ctx, r.docset, page)
		r.inFlight.Add(-1)
		if err != nil {
			// IndexPage persists the page-level failure itself; log and move on.
			r.logger.Warn("crawl_page_failed",
				slog.String("docset_id", r.docset.ID),
				slog.String("url", page.URL),
				slog.Int("worker", worker),
				slog.String("error", err.Error()))
		}
	}
}

// claim atomically selects the next pending page and flips it to fetching
// so no other worker picks it up. Frontier items whose page was already
// claimed, skipped, or deleted are discarded; once the queue drains, a
// store scan picks up pending pages admitted outside this process.
func (r *Runner) claim(ctx context.Context) (*store.Page, error) {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	for r.frontier != nil {
		item, ok := r.frontier.Next()
		if !ok {
			break
		}
		page, err := r.meta.GetPageByURL(ctx, r.docset.ID, item.URL)
		if oerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if page.Status != store.PagePending {
			continue
		}
		return r.markFetching(ctx, page)
	}

	page, err := r.meta.GetNextPendingPage(ctx, r.docset.ID)
	if oerrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.markFetching(ctx, page)
}

func (r *Runner) markFetching(ctx context.Context, page *store.Page) (*store.Page, error) {
	now := time.Now().UTC()
	fetching := store.PageFetching
	if err := r.meta.UpdatePage(ctx, page.ID, store.PageUpdate{
		Status:        &fetching,
		LastAttemptAt: &now,
	}); err != nil {
		return nil, err
	}
	page.Status = store.PageFetching
	page.LastAttemptAt = &now
	return page, nil
}

// waitForSlot blocks until the docset-wide rate limiter opens, then books
// the next slot.
func (r *Runner) waitForSlot(ctx context.Context) {
	if r.requestDelay <= 0 {
		return
	}
	for {
		r.rateMu.Lock()
		now := time.Now()
		if !now.Before(r.nextAllowedFetchAt) {
			r.nextAllowedFetchAt = now.Add(r.requestDelay)
			r.rateMu.Unlock()
			return
		}
		wait := time.Until(r.nextAllowedFetchAt)
		r.rateMu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
