package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/ssrfguard/internal/app"
	"github.com/oktsec/ssrfguard/internal/audit"
	"github.com/oktsec/ssrfguard/internal/guard"
	"github.com/oktsec/ssrfguard/internal/mcputil"
	"github.com/oktsec/ssrfguard/internal/netguard"
)

const (
	defaultFetchBytes = 64 << 10
	defaultQueryLimit = 20
	maxQueryLimit     = 200
)

type handlers struct {
	guard  *app.Guard
	store  *audit.Store
	logger *slog.Logger
}

// --- Tool definitions ---

func readOnly(openWorld bool) *mcp.ToolAnnotations {
	no := false
	return &mcp.ToolAnnotations{
		ReadOnlyHint:    true,
		DestructiveHint: &no,
		OpenWorldHint:   &openWorld,
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func checkURLTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "check_url",
		Description: "Check whether a URL is safe to request. Rejects non-http(s) schemes, " +
			"numeric host tricks and hosts that resolve to private, loopback, link-local " +
			"or otherwise reserved addresses. Returns the pinned request URL on success.",
		InputSchema: objectSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http or https URL"},
		}, "url"),
		Annotations: readOnly(true),
	}
}

func classifyIPTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "classify_ip",
		Description: "Report whether an IP address literal falls in a private or reserved " +
			"range, and which one. Does not resolve hostnames.",
		InputSchema: objectSchema(map[string]any{
			"ip": map[string]any{"type": "string", "description": "IPv4 dotted quad or IPv6 address"},
		}, "ip"),
		Annotations: readOnly(false),
	}
}

func fetchURLTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "fetch_url",
		Description: "GET a URL through the guard. Every redirect hop is validated before it " +
			"is followed. Returns the final status, content type and body text.",
		InputSchema: objectSchema(map[string]any{
			"url":       map[string]any{"type": "string", "description": "Absolute http or https URL"},
			"max_bytes": map[string]any{"type": "number", "description": "Body bytes to return (default 65536)"},
		}, "url"),
		Annotations: readOnly(true),
	}
}

func queryDecisionsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "query_decisions",
		Description: "Query the decision log of recent URL validations, newest first.",
		InputSchema: objectSchema(map[string]any{
			"outcome": map[string]any{"type": "string", "description": "Filter: allowed, denied or bypass"},
			"kind":    map[string]any{"type": "string", "description": "Filter by rejection kind, e.g. private_address_denied"},
			"host":    map[string]any{"type": "string", "description": "Filter by hostname"},
			"since":   map[string]any{"type": "string", "description": "Look-back window such as 1h or 30m"},
			"limit":   map[string]any{"type": "number", "description": "Maximum entries (default 20)"},
		}),
		Annotations: readOnly(false),
	}
}

// --- Handlers ---

type checkResult struct {
	URL          string `json:"url"`
	Allowed      bool   `json:"allowed"`
	RequestURL   string `json:"request_url,omitempty"`
	OriginalHost string `json:"original_host,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (h *handlers) handleCheckURL(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}
	raw, err := args.Required("url")
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}

	target, err := h.guard.Validator.SafeURL(ctx, raw)
	if err != nil {
		return mcputil.JSON(checkResult{
			URL:    raw,
			Kind:   guard.Kind(err),
			Reason: reason(err),
		})
	}
	return mcputil.JSON(checkResult{
		URL:          raw,
		Allowed:      true,
		RequestURL:   target.RequestURL,
		OriginalHost: target.OriginalHost,
	})
}

type classifyResult struct {
	IP                string `json:"ip"`
	Literal           bool   `json:"literal"`
	PrivateOrReserved bool   `json:"private_or_reserved"`
	Range             string `json:"range,omitempty"`
}

func (h *handlers) handleClassifyIP(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}
	ip, err := args.Required("ip")
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}

	res := classifyResult{IP: ip}
	_, res.Literal = netguard.ParseLiteral(ip)
	if prefix, ok := netguard.Match(ip); ok {
		res.PrivateOrReserved = true
		res.Range = prefix.String()
	}
	return mcputil.JSON(res)
}

type fetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated"`
	Binary      bool   `json:"binary,omitempty"`
}

func (h *handlers) handleFetchURL(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}
	raw, err := args.Required("url")
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}
	limit := int64(args.Int("max_bytes", defaultFetchBytes))
	if limit <= 0 {
		limit = defaultFetchBytes
	}
	if h.guard.MaxBodyBytes > 0 {
		limit = min(limit, h.guard.MaxBodyBytes)
	}

	resp, err := h.guard.Fetcher.Fetch(ctx, raw, nil)
	if err != nil {
		return mcputil.Error(fmt.Sprintf("fetch refused (%s): %s", guard.Kind(err), reason(err))), nil
	}
	defer func() { _ = resp.Body.Close() }()

	// One extra byte tells a full read from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return mcputil.Error("reading response body: " + err.Error()), nil
	}
	res := fetchResult{
		URL:         raw,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if int64(len(body)) > limit {
		body = body[:limit]
		res.Truncated = true
	}
	if utf8.Valid(body) {
		res.Body = string(body)
	} else {
		res.Binary = true
	}
	return mcputil.JSON(res)
}

func (h *handlers) handleQueryDecisions(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.store == nil {
		return mcputil.Error("decision log is disabled"), nil
	}
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err.Error()), nil
	}

	opts := audit.QueryOpts{
		Outcome: args.String("outcome", ""),
		Kind:    args.String("kind", ""),
		Host:    args.String("host", ""),
		Limit:   args.Int("limit", defaultQueryLimit),
	}
	if opts.Limit <= 0 || opts.Limit > maxQueryLimit {
		opts.Limit = defaultQueryLimit
	}
	if v := args.String("since", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return mcputil.Error("since must be a positive duration such as 1h"), nil
		}
		opts.Since = time.Now().Add(-d)
	}

	entries, err := h.store.Query(ctx, opts)
	if err != nil {
		h.logger.Error("mcp: querying decisions", "error", err)
		return mcputil.Error("query failed"), nil
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return mcputil.JSON(map[string]any{
		"decisions": entries,
		"count":     len(entries),
	})
}

// reason gives the agent a short explanation without echoing resolved
// addresses.
func reason(err error) string {
	switch guard.Kind(err) {
	case "invalid_url":
		return "the URL is malformed or uses a non-canonical numeric host"
	case "invalid_protocol":
		return "only http and https are allowed"
	case "private_address_denied":
		return "the host points at a private or reserved address"
	case "dns_resolution_error":
		return "the host could not be resolved"
	case "invalid_resolved_address":
		return "the resolver returned an unusable address"
	case "missing_redirect_location", "invalid_redirect_url":
		return "the server sent an unusable redirect"
	case "too_many_redirects":
		return "the redirect limit was exceeded"
	case "canceled":
		return "the request was canceled or timed out"
	default:
		return "the upstream request failed"
	}
}
