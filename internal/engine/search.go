package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/store"
)

// DefaultTopK is the result count when the caller does not ask for one.
const DefaultTopK = 10

// budgetTailMin is the smallest leftover character budget worth filling
// with a truncated final snippet.
const budgetTailMin = 200

// SearchRequest carries the query and its shaping knobs. Zero values take
// the configured defaults and all values are clamped into range.
type SearchRequest struct {
	Query            string   `json:"query"`
	DocsetIDs        []string `json:"docsetIds,omitempty"`
	TopK             int      `json:"topK,omitempty"`
	MinScore         float64  `json:"minScore,omitempty"`
	MaxChunksPerPage int      `json:"maxChunksPerPage,omitempty"`
	MaxTotalChars    int      `json:"maxTotalChars,omitempty"`
	FormatSnippets   *bool    `json:"formatSnippets,omitempty"`
}

// SearchResult is one retrieved chunk with its score breakdown.
type SearchResult struct {
	ChunkID      string   `json:"chunkId"`
	DocsetID     string   `json:"docsetId"`
	PageID       string   `json:"pageId"`
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	Heading      string   `json:"heading,omitempty"`
	Content      string   `json:"content"`
	VectorScore  float64  `json:"vectorScore"`
	KeywordScore float64  `json:"keywordScore"`
	HybridScore  float64  `json:"hybridScore"`
	Snippet      *Snippet `json:"snippet,omitempty"`
}

// SearchResponse is the shaped result list.
type SearchResponse struct {
	Results    []*SearchResult `json:"results"`
	Query      string          `json:"query"`
	TotalChars int             `json:"totalChars"`
	Truncated  bool            `json:"truncated"`
}

// Search answers a query: embed once, fan out the vector search across the
// target namespaces in parallel alongside the keyword search, fuse, then
// shape with the diversity and budget filters.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, oerrors.ConfigInvalid("query is required")
	}

	topK := clampInt(orInt(req.TopK, DefaultTopK), 1, 100)
	minScore := clampFloat(req.MinScore, 0, 1)
	vectorTopK := clampInt(e.Config.Hybrid.VectorTopK, 1, 1000)
	keywordTopK := clampInt(e.Config.Hybrid.KeywordTopK, 1, 1000)
	alpha := clampFloat(e.Config.Hybrid.Alpha, 0, 1)
	minKeywordScore := clampFloat(e.Config.Hybrid.MinKeywordScore, 0, 1)
	maxPerPage := clampInt(orInt(req.MaxChunksPerPage, e.Config.Retrieval.MaxChunksPerPage), 1, 20)
	maxChars := orInt(req.MaxTotalChars, e.Config.Retrieval.MaxTotalChars)
	format := e.Config.FormatSnippets()
	if req.FormatSnippets != nil {
		format = *req.FormatSnippets
	}

	namespaces := req.DocsetIDs
	if len(namespaces) == 0 {
		docsets, err := e.Meta.ListDocsets(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range docsets {
			namespaces = append(namespaces, d.ID)
		}
	}
	if len(namespaces) == 0 {
		return &SearchResponse{Results: []*SearchResult{}, Query: req.Query}, nil
	}

	queryVec, err := e.Embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	var (
		mu         sync.Mutex
		vectorHits []*store.VectorSearchResult
		keywordHits []*store.KeywordResult
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range namespaces {
		g.Go(func() error {
			hits, err := e.Vectors.Search(gctx, ns, queryVec, vectorTopK, float32(minScore))
			if err != nil {
				// A docset with no vectors yet is not a search failure.
				if oerrors.IsNotFound(err) {
					return nil
				}
				return err
			}
			mu.Lock()
			vectorHits = append(vectorHits, hits...)
			mu.Unlock()
			return nil
		})
	}
	if e.Config.HybridEnabled() {
		g.Go(func() error {
			hits, err := e.Keyword.Search(gctx, req.Query, namespaces, keywordTopK)
			if err != nil {
				e.Logger.Warn("keyword_search_failed", slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			keywordHits = hits
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(vectorHits, func(i, j int) bool {
		return vectorHits[i].Score > vectorHits[j].Score
	})
	if len(vectorHits) > vectorTopK {
		vectorHits = vectorHits[:vectorTopK]
	}

	fused := fuse(vectorHits, keywordHits, alpha, minKeywordScore, e.Config.HybridEnabled())

	admitted := diversityFilter(fused, maxPerPage, topK)
	results, totalChars, truncated := e.budgetFilter(admitted, maxChars, format)

	return &SearchResponse{
		Results:    results,
		Query:      req.Query,
		TotalChars: totalChars,
		Truncated:  truncated,
	}, nil
}

// fuse combines the vector and keyword lists keyed by chunk id. A chunk in
// both lists gets both scores; keyword hits below the floor are skipped.
func fuse(vectorHits []*store.VectorSearchResult, keywordHits []*store.KeywordResult,
	alpha, minKeywordScore float64, hybrid bool) []*SearchResult {
	byID := make(map[string]*SearchResult, len(vectorHits))
	order := make([]*SearchResult, 0, len(vectorHits)+len(keywordHits))

	for _, hit := range vectorHits {
		r := &SearchResult{
			ChunkID:     hit.ID,
			DocsetID:    hit.Metadata.DocsetID,
			PageID:      hit.Metadata.PageID,
			URL:         hit.Metadata.URL,
			Title:       hit.Metadata.Title,
			Heading:     hit.Metadata.Heading,
			Content:     hit.Metadata.Content,
			VectorScore: float64(hit.Score),
		}
		byID[hit.ID] = r
		order = append(order, r)
	}

	if hybrid {
		for _, hit := range keywordHits {
			if hit.KeywordScore < minKeywordScore {
				continue
			}
			if r, ok := byID[hit.ChunkID]; ok {
				if hit.KeywordScore > r.KeywordScore {
					r.KeywordScore = hit.KeywordScore
				}
				continue
			}
			r := &SearchResult{
				ChunkID:      hit.ChunkID,
				DocsetID:     hit.DocsetID,
				PageID:       hit.PageID,
				URL:          hit.URL,
				Title:        hit.Title,
				Heading:      hit.Heading,
				Content:      hit.Content,
				KeywordScore: hit.KeywordScore,
			}
			byID[hit.ChunkID] = r
			order = append(order, r)
		}
	}

	for _, r := range order {
		r.HybridScore = alpha*clampFloat(r.VectorScore, 0, 1) +
			(1-alpha)*clampFloat(r.KeywordScore, 0, 1)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].HybridScore > order[j].HybridScore
	})
	return order
}

// diversityFilter admits results in score order while holding each
// (docsetId, pageId) pair to maxPerPage chunks, stopping at topK.
func diversityFilter(results []*SearchResult, maxPerPage, topK int) []*SearchResult {
	type pageKey struct{ docset, page string }
	perPage := make(map[pageKey]int)

	admitted := make([]*SearchResult, 0, topK)
	for _, r := range results {
		key := pageKey{r.DocsetID, r.PageID}
		if perPage[key] >= maxPerPage {
			continue
		}
		perPage[key]++
		admitted = append(admitted, r)
		if len(admitted) >= topK {
			break
		}
	}
	return admitted
}

// budgetFilter admits results until the running character total would pass
// maxChars. The top result is admitted even when it alone busts the budget,
// so a tight budget never turns matches into an empty answer. When at least
// budgetTailMin characters remain and snippets are on, one final truncated
// snippet fills the tail.
func (e *Engine) budgetFilter(results []*SearchResult, maxChars int, format bool) ([]*SearchResult, int, bool) {
	final := make([]*SearchResult, 0, len(results))
	total := 0
	truncated := false

	for i, r := range results {
		if format {
			r.Snippet = e.formatSnippet(r, e.Config.Retrieval.SnippetMaxChars)
		}

		cost := len(r.Content)
		if r.Snippet != nil {
			cost = r.Snippet.CharCount
		}

		if total+cost <= maxChars {
			total += cost
			final = append(final, r)
			continue
		}

		if i == 0 {
			// Cut the snippet down to the budget; raw content goes out whole.
			if format {
				r.Snippet = e.formatSnippetBudget(r, maxChars)
				cost = r.Snippet.CharCount
			}
			total += cost
			final = append(final, r)
			truncated = true
			break
		}

		remaining := maxChars - total
		if format && remaining >= budgetTailMin {
			r.Snippet = e.formatSnippetBudget(r, remaining)
			total += r.Snippet.CharCount
			final = append(final, r)
		}
		truncated = true
		break
	}
	return final, total, truncated
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
