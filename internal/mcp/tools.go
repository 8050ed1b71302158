package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memoracle/memoracle/internal/engine"
	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// SearchDocsInput is the input schema for search_docs.
type SearchDocsInput struct {
	Query            string   `json:"query" jsonschema:"the documentation search query"`
	DocsetIDs        []string `json:"docset_ids,omitempty" jsonschema:"restrict the search to these docset ids"`
	TopK             int      `json:"top_k,omitempty" jsonschema:"maximum number of results, default 10"`
	MaxChunksPerPage int      `json:"max_chunks_per_page,omitempty" jsonschema:"cap on results from a single page, default 3"`
	MaxTotalChars    int      `json:"max_total_chars,omitempty" jsonschema:"character budget for the combined results, default 20000"`
}

// SearchDocsOutput is the output schema for search_docs.
type SearchDocsOutput struct {
	Results    int  `json:"results" jsonschema:"number of snippets returned"`
	TotalChars int  `json:"total_chars" jsonschema:"characters across all snippets"`
	Truncated  bool `json:"truncated" jsonschema:"whether the budget cut the list short"`
}

func (s *Server) handleSearchDocs(ctx context.Context, req *mcp.CallToolRequest, input SearchDocsInput) (
	*mcp.CallToolResult, SearchDocsOutput, error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchDocsOutput{}, oerrors.ConfigInvalid("query is required")
	}

	resp, err := s.engine.Search(ctx, engine.SearchRequest{
		Query:            input.Query,
		DocsetIDs:        input.DocsetIDs,
		TopK:             input.TopK,
		MaxChunksPerPage: input.MaxChunksPerPage,
		MaxTotalChars:    input.MaxTotalChars,
	})
	if err != nil {
		return nil, SearchDocsOutput{}, err
	}

	if len(resp.Results) == 0 {
		return textResult("No results. The docset may still be indexing; check index_status."),
			SearchDocsOutput{}, nil
	}

	var b strings.Builder
	for i, r := range resp.Results {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		if r.Snippet != nil {
			b.WriteString(r.Snippet.Formatted)
		} else {
			b.WriteString(r.Content)
		}
	}
	if resp.Truncated {
		b.WriteString("\n\n(more results omitted to fit the character budget)")
	}

	return textResult(b.String()), SearchDocsOutput{
		Results:    len(resp.Results),
		TotalChars: resp.TotalChars,
		Truncated:  resp.Truncated,
	}, nil
}

// GetSnippetsInput is the input schema for get_snippets.
type GetSnippetsInput struct {
	Query     string   `json:"query" jsonschema:"the documentation search query"`
	DocsetIDs []string `json:"docset_ids,omitempty" jsonschema:"restrict the search to these docset ids"`
	TopK      int      `json:"top_k,omitempty" jsonschema:"maximum number of results, default 10"`
}

// GetSnippetsOutput is the output schema for get_snippets.
type GetSnippetsOutput struct {
	Results int `json:"results" jsonschema:"number of entries returned"`
}

func (s *Server) handleGetSnippets(ctx context.Context, req *mcp.CallToolRequest, input GetSnippetsInput) (
	*mcp.CallToolResult, GetSnippetsOutput, error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, GetSnippetsOutput{}, oerrors.ConfigInvalid("query is required")
	}

	off := false
	resp, err := s.engine.Search(ctx, engine.SearchRequest{
		Query:          input.Query,
		DocsetIDs:      input.DocsetIDs,
		TopK:           input.TopK,
		FormatSnippets: &off,
	})
	if err != nil {
		return nil, GetSnippetsOutput{}, err
	}

	if len(resp.Results) == 0 {
		return textResult("No results."), GetSnippetsOutput{}, nil
	}

	var b strings.Builder
	for i, r := range resp.Results {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "%d. %s — %s (score %.3f)\n", i+1, title, r.URL, r.HybridScore)
	}

	return textResult(b.String()), GetSnippetsOutput{Results: len(resp.Results)}, nil
}

// IndexDocsInput is the input schema for index_docs.
type IndexDocsInput struct {
	BaseURL      string   `json:"base_url" jsonschema:"root URL of the documentation site, e.g. https://docs.example.com"`
	SeedSlug     string   `json:"seed_slug,omitempty" jsonschema:"path of the first page to crawl, default /"`
	Name         string   `json:"name,omitempty" jsonschema:"display name for the docset"`
	AllowedPaths []string `json:"allowed_paths,omitempty" jsonschema:"path prefixes the crawl may enter; defaults to the seed's directory"`
	WaitForSeed  bool     `json:"wait_for_seed,omitempty" jsonschema:"index the seed page before returning"`
}

// IndexDocsOutput is the output schema for index_docs.
type IndexDocsOutput struct {
	DocsetID    string `json:"docset_id" jsonschema:"id of the created or existing docset"`
	Status      string `json:"status" jsonschema:"docset status after the call"`
	SeedIndexed bool   `json:"seed_indexed" jsonschema:"whether the seed page is indexed"`
}

func (s *Server) handleIndexDocs(ctx context.Context, req *mcp.CallToolRequest, input IndexDocsInput) (
	*mcp.CallToolResult, IndexDocsOutput, error,
) {
	result, err := s.engine.IndexDocset(ctx, engine.IndexDocsetInput{
		BaseURL:      input.BaseURL,
		SeedSlug:     input.SeedSlug,
		Name:         input.Name,
		AllowedPaths: input.AllowedPaths,
		WaitForSeed:  input.WaitForSeed,
	})
	if err != nil {
		return nil, IndexDocsOutput{}, err
	}

	text := fmt.Sprintf("Indexing %s as docset %s (status: %s). Crawl runs in the background; check index_status for progress.",
		result.Docset.BaseURL, result.Docset.ID, result.Docset.Status)
	return textResult(text), IndexDocsOutput{
		DocsetID:    result.Docset.ID,
		Status:      string(result.Docset.Status),
		SeedIndexed: result.SeedIndexed,
	}, nil
}

// IndexStatusInput is the input schema for index_status.
type IndexStatusInput struct {
	DocsetID string `json:"docset_id,omitempty" jsonschema:"limit the report to one docset"`
}

// IndexStatusOutput is the output schema for index_status.
type IndexStatusOutput struct {
	Docsets int `json:"docsets" jsonschema:"number of docsets reported"`
}

func (s *Server) handleIndexStatus(ctx context.Context, req *mcp.CallToolRequest, input IndexStatusInput) (
	*mcp.CallToolResult, IndexStatusOutput, error,
) {
	report, err := s.engine.Status(ctx, input.DocsetID, false)
	if err != nil {
		return nil, IndexStatusOutput{}, err
	}
	if len(report) == 0 {
		return textResult("No docsets indexed yet. Use index_docs to add one."), IndexStatusOutput{}, nil
	}

	var b strings.Builder
	for _, entry := range report {
		st := entry.IndexStatus
		fmt.Fprintf(&b, "%s (%s) — %s\n", entry.Docset.Name, entry.Docset.ID, entry.Docset.Status)
		fmt.Fprintf(&b, "  pages: %d total, %d indexed, %d pending, %d error, %d skipped\n",
			st.TotalPages, st.IndexedPages, st.PendingPages, st.ErrorPages, st.SkippedPages)
		fmt.Fprintf(&b, "  chunks: %d", st.TotalChunks)
		if entry.Crawling {
			b.WriteString("  (crawling)")
		}
		b.WriteString("\n")
	}

	return textResult(b.String()), IndexStatusOutput{Docsets: len(report)}, nil
}
