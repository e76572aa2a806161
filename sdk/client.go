// Package sdk provides a Go client for the ssrfguard HTTP API.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8080")
//	res, err := c.Check(ctx, "https://example.com/hook")
//	if err == nil && res.Allowed {
//		// safe to request res.RequestURL with Host set to res.OriginalHost
//	}
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CheckResponse is returned by GET /v1/check.
type CheckResponse struct {
	URL          string `json:"url"`
	Allowed      bool   `json:"allowed"`
	RequestURL   string `json:"request_url,omitempty"`
	OriginalHost string `json:"original_host,omitempty"`
	Kind         string `json:"kind,omitempty"` // invalid_url, private_address_denied, ...
	Error        string `json:"error,omitempty"`
}

// ClassifyResponse is returned by GET /v1/classify.
type ClassifyResponse struct {
	IP                string `json:"ip"`
	Literal           bool   `json:"literal"`
	PrivateOrReserved bool   `json:"private_or_reserved"`
	Range             string `json:"range,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Production bool   `json:"production"`
}

// Decision is one entry of the server's decision log.
type Decision struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Host      string `json:"host,omitempty"`
	Address   string `json:"address,omitempty"`
	Outcome   string `json:"outcome"` // allowed, denied, bypass
	Kind      string `json:"kind,omitempty"`
	Hop       int    `json:"hop"`
	LatencyUs int64  `json:"latency_us"`
}

// DecisionQuery filters Decisions. Zero fields are not sent.
type DecisionQuery struct {
	Outcome string
	Kind    string
	Host    string
	Since   time.Duration
	Limit   int
}

// FetchResult is the upstream response relayed by GET /v1/fetch.
type FetchResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Truncated   bool
}

// APIError is returned for non-2xx API responses.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("ssrfguard: %s (HTTP %d, kind=%s)", e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("ssrfguard: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsDenied reports whether err is a guard refusal rather than a transport
// or server failure.
func IsDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// Client talks to an ssrfguard server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the ssrfguard server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient returns a copy of c that uses hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.httpClient = hc
	return &cp
}

// Check asks the server whether rawURL is safe to request. A refused URL
// is not an error: inspect Allowed and Kind.
func (c *Client) Check(ctx context.Context, rawURL string) (*CheckResponse, error) {
	var resp CheckResponse
	if err := c.getJSON(ctx, "/v1/check", url.Values{"url": {rawURL}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Classify reports whether ip is in a private or reserved range.
func (c *Client) Classify(ctx context.Context, ip string) (*ClassifyResponse, error) {
	var resp ClassifyResponse
	if err := c.getJSON(ctx, "/v1/classify", url.Values{"ip": {ip}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decisions queries the server's decision log.
func (c *Client) Decisions(ctx context.Context, q DecisionQuery) ([]Decision, error) {
	params := url.Values{}
	if q.Outcome != "" {
		params.Set("outcome", q.Outcome)
	}
	if q.Kind != "" {
		params.Set("kind", q.Kind)
	}
	if q.Host != "" {
		params.Set("host", q.Host)
	}
	if q.Since > 0 {
		params.Set("since", q.Since.String())
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp struct {
		Decisions []Decision `json:"decisions"`
	}
	if err := c.getJSON(ctx, "/v1/decisions", params, &resp); err != nil {
		return nil, err
	}
	return resp.Decisions, nil
}

// Fetch has the server GET rawURL through the guard. A refusal is an
// *APIError with status 403.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	httpResp, err := c.get(ctx, "/v1/fetch", url.Values{"url": {rawURL}})
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	// Guard failures carry a JSON error body; upstream responses are relayed as-is.
	if httpResp.Header.Get("Content-Type") == "application/json" && isGuardStatus(httpResp.StatusCode) {
		return nil, decodeError(httpResp)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading fetch body: %w", err)
	}
	return &FetchResult{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        body,
		Truncated:   truncated(httpResp),
	}, nil
}

// truncated reads the cap marker, sent as a header when the upstream length
// was declared and as a trailer otherwise. Call it after the body is read.
func truncated(resp *http.Response) bool {
	const key = "X-Ssrfguard-Truncated"
	return resp.Header.Get(key) == "true" || resp.Trailer.Get(key) == "true"
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return httpResp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	httpResp, err := c.get(ctx, path, params)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return decodeError(httpResp)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	return nil
}

func decodeError(httpResp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.NewDecoder(io.LimitReader(httpResp.Body, 64<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(httpResp.StatusCode)
	}
	return &APIError{StatusCode: httpResp.StatusCode, Message: body.Error, Kind: body.Kind}
}

func isGuardStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}
