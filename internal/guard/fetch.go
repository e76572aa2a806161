package guard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oktsec/ssrfguard/internal/telemetry"
)

const (
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "ssrfguard/1.0"
)

// drainLimit caps how much of an intermediate redirect body is read so the
// connection can be reused.
const drainLimit = 64 << 10

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// MaxRedirects is the number of redirects followed before failing.
	// Zero means DefaultMaxRedirects; a negative value follows none.
	MaxRedirects int
	// UserAgent is sent when the caller sets none.
	UserAgent string
	// Timeout bounds each individual hop. Zero means no per-hop limit;
	// the caller's context still applies.
	Timeout time.Duration
	// DialGuard re-resolves and classifies at connection time. Ignored
	// when Transport is set.
	DialGuard bool
	// Transport overrides the network transport.
	Transport http.RoundTripper

	Logger  *slog.Logger
	Metrics *Metrics
}

// FetchOptions describes the request made to the first hop.
type FetchOptions struct {
	Method string // default GET
	Header http.Header
	Body   []byte
}

// Fetcher performs HTTP requests whose every hop passes SafeURL.
type Fetcher struct {
	validator    *Validator
	client       *http.Client
	maxRedirects int
	userAgent    string
	logger       *slog.Logger
	metrics      *Metrics
}

// NewFetcher creates a fetcher that validates through v.
func NewFetcher(v *Validator, opts FetcherOptions) *Fetcher {
	maxRedirects := opts.MaxRedirects
	switch {
	case maxRedirects == 0:
		maxRedirects = DefaultMaxRedirects
	case maxRedirects < 0:
		maxRedirects = 0
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = v.logger
	}

	rt := opts.Transport
	if rt == nil {
		rt = newTransport(v, opts.DialGuard)
	}

	return &Fetcher{
		validator: v,
		client: &http.Client{
			Transport: otelhttp.NewTransport(rt),
			Timeout:   opts.Timeout,
			// Redirects are followed by Fetch so each hop is validated.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxRedirects: maxRedirects,
		userAgent:    userAgent,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

func newTransport(v *Validator, dialGuard bool) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	dial := dialer.DialContext
	if dialGuard {
		dial = v.DialContext(dialer)
	}
	return &http.Transport{
		// No Proxy: an environment proxy would resolve the name itself.
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch requests rawURL, following at most MaxRedirects redirects. The
// returned response is the first non-3xx one; the caller closes its body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts *FetchOptions) (*http.Response, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "guard.fetch", telemetry.URL(truncate(rawURL, maxURLInDecision)))
	defer span.End()

	resp, err := f.follow(ctx, span, rawURL, opts)
	f.metrics.observeFetch(err, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (f *Fetcher) follow(ctx context.Context, span trace.Span, rawURL string, opts *FetchOptions) (*http.Response, error) {
	if opts == nil {
		opts = &FetchOptions{}
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	body := opts.Body
	header := opts.Header.Clone()
	current := rawURL
	var origin string

	for hop := 0; ; hop++ {
		target, err := f.validator.SafeURL(withHop(ctx, hop), current)
		if err != nil {
			return nil, err
		}
		if hop == 0 {
			origin = hostname(target.OriginalHost)
		}

		hopHeader := header
		if !sameSite(origin, hostname(target.OriginalHost)) {
			hopHeader = withoutCredentials(header)
		}
		resp, err := f.do(ctx, method, target, hopHeader, body)
		if err != nil {
			return nil, err
		}
		// Any 3xx is treated as a redirect, 304 and 300 included.
		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		drain(resp)
		if location == "" {
			return nil, fmt.Errorf("%w: status %d from %s", ErrMissingRedirectLocation, resp.StatusCode, target.OriginalHost)
		}
		next, err := resolveRedirect(current, location)
		if err != nil {
			return nil, err
		}
		if hop >= f.maxRedirects {
			return nil, fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, f.maxRedirects)
		}

		method, body = redirectMethod(resp.StatusCode, method, body, header)
		f.metrics.observeRedirect()
		span.AddEvent("redirect", trace.WithAttributes(telemetry.Hop(hop+1), attribute.Int("http.response.status_code", resp.StatusCode)))
		f.logger.Debug("following redirect", "hop", hop+1, "status", resp.StatusCode, "location", truncate(next, maxURLInDecision))
		current = next
	}
}

func (f *Fetcher) do(ctx context.Context, method string, target Target, header http.Header, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.RequestURL, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	for k, vs := range header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	// The URL may carry a pinned address; virtual hosting needs the name.
	req.Host = target.OriginalHost
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", target.OriginalHost, err)
	}
	return resp, nil
}

// resolveRedirect resolves location against the URL that produced it, not
// the pinned one, so relative redirects keep the original hostname.
func resolveRedirect(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRedirectURL, err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRedirectURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// redirectMethod applies the method rewrite browsers and net/http use:
// 301, 302 and 303 turn anything but GET and HEAD into a bodiless GET,
// 307 and 308 replay the request as is. Dropping the body also drops the
// headers describing it from header.
func redirectMethod(status int, method string, body []byte, header http.Header) (string, []byte) {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if method != http.MethodGet && method != http.MethodHead {
			header.Del("Content-Type")
			header.Del("Content-Length")
			return http.MethodGet, nil
		}
	}
	return method, body
}

// credentialHeaders are not forwarded once a redirect leaves the host the
// caller addressed.
var credentialHeaders = []string{"Authorization", "Www-Authenticate", "Cookie", "Cookie2", "Proxy-Authorization"}

func withoutCredentials(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range credentialHeaders {
		out.Del(k)
	}
	return out
}

// sameSite reports whether host is origin or a subdomain of it.
func sameSite(origin, host string) bool {
	if strings.EqualFold(origin, host) {
		return true
	}
	return origin != "" && len(host) > len(origin) &&
		strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(origin))
}

// hostname strips the port and IPv6 brackets from a Host value.
func hostname(hostport string) string {
	return (&url.URL{Host: hostport}).Hostname()
}

func drain(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	_ = resp.Body.Close()
}
