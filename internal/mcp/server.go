// Package mcp exposes the guard to MCP clients over stdio so agents can
// check and fetch URLs without reaching internal networks.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/ssrfguard/internal/app"
	"github.com/oktsec/ssrfguard/internal/audit"
)

// NewServer creates an MCP server exposing ssrfguard tools. store may be
// nil, in which case query_decisions reports the log as disabled.
func NewServer(g *app.Guard, store *audit.Store, version string, logger *slog.Logger) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    "ssrfguard",
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: "ssrfguard validates outbound URLs against private and reserved " +
			"address ranges. Check a URL before requesting it, or fetch it through " +
			"fetch_url so every redirect is validated too.",
	})

	h := &handlers{
		guard:  g,
		store:  store,
		logger: logger,
	}

	s.AddTool(checkURLTool(), h.handleCheckURL)
	s.AddTool(classifyIPTool(), h.handleClassifyIP)
	s.AddTool(fetchURLTool(), h.handleFetchURL)
	s.AddTool(queryDecisionsTool(), h.handleQueryDecisions)

	return s
}

// Serve runs the MCP server on stdio until ctx is done or the client
// disconnects.
func Serve(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
