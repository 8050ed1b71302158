package engine

import (
	"context"
	"log/slog"
	"time"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/store"
)

// DefaultRefreshMaxAge is how stale a page must be before an incremental
// refresh re-queues it.
const DefaultRefreshMaxAge = 24 * time.Hour

// RefreshRequest selects docsets and the refresh mode. An empty DocsetID
// with All set refreshes everything. Incremental mode (the default) keeps
// content hashes so unchanged pages short-circuit; FullReindex clears
// hashes, chunks, and vectors so every page rebuilds from scratch.
type RefreshRequest struct {
	DocsetID    string        `json:"docsetId,omitempty"`
	All         bool          `json:"all,omitempty"`
	Force       bool          `json:"force,omitempty"`
	MaxAge      time.Duration `json:"-"`
	FullReindex bool          `json:"fullReindex,omitempty"`
}

// RefreshResult reports one docset's refresh plan.
type RefreshResult struct {
	DocsetID        string `json:"docsetId"`
	Mode            string `json:"mode"`
	PagesQueued     int    `json:"pagesQueued"`
	PreservedHashes int    `json:"preservedHashes"`
	ClearedHashes   int    `json:"clearedHashes"`
}

// RefreshResponse lists the per-docset plans.
type RefreshResponse struct {
	Docsets []*RefreshResult `json:"docsets"`
}

// Refresh re-queues pages for crawling. Incremental refresh resets pages
// older than MaxAge to pending while keeping their validators; a full
// reindex also wipes hashes, chunks, and vectors. Force ignores MaxAge.
// The crawl restarts for each planned docset.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (*RefreshResponse, error) {
	if req.MaxAge <= 0 {
		req.MaxAge = DefaultRefreshMaxAge
	}

	var docsets []*store.Docset
	if req.DocsetID != "" {
		docset, err := e.Meta.GetDocset(ctx, req.DocsetID)
		if err != nil {
			return nil, err
		}
		if docset == nil {
			return nil, oerrors.NotFound("docset", req.DocsetID)
		}
		docsets = []*store.Docset{docset}
	} else if req.All {
		var err error
		docsets, err = e.Meta.ListDocsets(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, oerrors.ConfigInvalid("refresh requires a docsetId or all")
	}

	resp := &RefreshResponse{Docsets: make([]*RefreshResult, 0, len(docsets))}
	for _, docset := range docsets {
		result, err := e.refreshDocset(ctx, docset, req)
		if err != nil {
			return nil, err
		}
		resp.Docsets = append(resp.Docsets, result)

		if result.PagesQueued > 0 {
			if err := e.Meta.UpdateDocsetStatus(ctx, docset.ID, store.DocsetIndexing); err != nil {
				return nil, err
			}
			e.StartCrawl(ctx, docset)
		}
	}
	return resp, nil
}

func (e *Engine) refreshDocset(ctx context.Context, docset *store.Docset, req RefreshRequest) (*RefreshResult, error) {
	result := &RefreshResult{DocsetID: docset.ID, Mode: "incremental"}
	if req.FullReindex {
		result.Mode = "full"
	}

	if req.FullReindex {
		// Wipe derived data so the short-circuits cannot fire.
		pages, err := e.Meta.ListPages(ctx, docset.ID, store.ListPagesOptions{Limit: e.Config.Crawler.MaxPages})
		if err != nil {
			return nil, err
		}
		for _, page := range pages {
			if err := e.deletePageChunks(ctx, docset.ID, page.ID); err != nil {
				return nil, err
			}
		}
		if err := e.Vectors.Clear(ctx, docset.ID); err != nil {
			return nil, err
		}
		if err := e.Vectors.Init(ctx, docset.ID); err != nil {
			return nil, err
		}
	}

	queued, err := e.Meta.ResetPagesForRefresh(ctx, docset.ID, req.MaxAge, req.Force, req.FullReindex)
	if err != nil {
		return nil, err
	}
	result.PagesQueued = queued
	if req.FullReindex {
		result.ClearedHashes = queued
	} else {
		result.PreservedHashes = queued
	}

	e.Logger.Info("refresh_planned",
		slog.String("docset_id", docset.ID),
		slog.String("mode", result.Mode),
		slog.Int("pages_queued", queued))
	return result, nil
}
