// Package mcp exposes the engine to AI clients over the Model Context
// Protocol. Four tools cover the docset lifecycle: search, compact snippet
// listing, indexing, and status.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memoracle/memoracle/internal/engine"
	"github.com/memoracle/memoracle/pkg/version"
)

// Server bridges MCP clients and the engine.
type Server struct {
	mcp    *mcp.Server
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer builds the MCP server and registers its tools.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		logger: logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "memoracle",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "search_docs",
		Description: "Search locally indexed documentation. Returns formatted snippets with " +
			"source URLs and section breadcrumbs, ready to cite. Works fully offline " +
			"against docsets indexed with index_docs.",
	}, s.handleSearchDocs)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "get_snippets",
		Description: "Compact documentation lookup: returns a short 'title — url' listing with " +
			"scores instead of full snippet bodies. Use to survey what is available " +
			"before pulling full content with search_docs.",
	}, s.handleGetSnippets)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "index_docs",
		Description: "Index a documentation site for offline search. Crawls from the seed page, " +
			"stays on the site's host and allowed paths, and embeds the content locally. " +
			"Indexing continues in the background; check progress with index_status.",
	}, s.handleIndexDocs)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "index_status",
		Description: "Report indexing progress per docset: page counts by state and total " +
			"chunks. Use after index_docs to see when a docset is ready.",
	}, s.handleIndexStatus)

	s.logger.Info("mcp_tools_registered", slog.Int("count", 4))
}

// Run serves MCP over stdio until the context ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp_serving", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("mcp_stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_stopped_clean")
	return nil
}

// textResult wraps plain text in an MCP tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
