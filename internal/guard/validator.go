// Package guard validates attacker-influenced URLs and performs HTTP
// requests that revalidate every redirect hop, so that outbound traffic can
// never reach loopback, private, link-local or otherwise reserved space.
package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/oktsec/ssrfguard/internal/netguard"
	"github.com/oktsec/ssrfguard/internal/resolve"
	"github.com/oktsec/ssrfguard/internal/telemetry"
)

// Target is a validated request destination.
//
// For http, RequestURL has its host replaced by the address that was just
// classified, so the connection goes exactly where the check looked. For
// https, RequestURL is the input unchanged: rewriting the host would break
// certificate verification, so https relies on a single resolve-and-check
// unless the fetcher's dial guard is enabled.
type Target struct {
	RequestURL   string `json:"request_url"`
	OriginalHost string `json:"original_host"` // host[:port] as written, for the Host header
}

// Options configures a Validator.
type Options struct {
	// Production disables the localhost exception.
	Production bool
	// Resolver answers forward lookups. Nil uses the platform resolver.
	Resolver resolve.Resolver
	// LookupTimeout bounds each lookup. Zero uses resolve.DefaultTimeout.
	LookupTimeout time.Duration
	// VerifyAllAnswers classifies every address in a multi-answer lookup
	// instead of only the first one.
	VerifyAllAnswers bool

	Logger   *slog.Logger
	Metrics  *Metrics
	Recorder Recorder
}

// Validator checks candidate URLs. It is immutable and safe for concurrent
// use; nothing is cached between calls.
type Validator struct {
	production bool
	verifyAll  bool
	dns        *resolve.Adapter
	logger     *slog.Logger
	metrics    *Metrics
	recorder   Recorder
}

// NewValidator creates a validator from opts.
func NewValidator(opts Options) *Validator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Validator{
		production: opts.Production,
		verifyAll:  opts.VerifyAllAnswers,
		dns:        resolve.NewAdapter(opts.Resolver, opts.LookupTimeout),
		logger:     logger,
		metrics:    opts.Metrics,
		recorder:   opts.Recorder,
	}
}

// Production reports whether the localhost exception is disabled.
func (v *Validator) Production() bool { return v.production }

// Validate returns nil if rawURL may be fetched.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	_, err := v.SafeURL(ctx, rawURL)
	return err
}

// SafeURL validates rawURL and returns the target to request.
func (v *Validator) SafeURL(ctx context.Context, rawURL string) (Target, error) {
	start := time.Now()
	hop := hopFrom(ctx)
	ctx, span := telemetry.StartSpan(ctx, "guard.safe_url", telemetry.Hop(hop))
	defer span.End()

	target, d, err := v.safeURL(ctx, rawURL)

	d.Time = start
	d.URL = truncate(rawURL, maxURLInDecision)
	d.Hop = hop
	d.Latency = time.Since(start)
	span.SetAttributes(telemetry.Host(d.Host), telemetry.Address(d.Address))

	switch {
	case err != nil:
		d.Outcome = OutcomeDenied
		d.Kind = Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, d.Kind)
		span.SetAttributes(telemetry.Kind(d.Kind))
		v.logger.Warn("url rejected", "kind", d.Kind, "host", d.Host, "address", d.Address, "hop", hop)
	case d.Outcome == OutcomeBypass:
		v.logger.Debug("localhost allowed outside production", "host", d.Host, "hop", hop)
	default:
		d.Outcome = OutcomeAllowed
	}

	v.metrics.observeValidation(d.Outcome, d.Kind)
	if v.recorder != nil {
		v.recorder.Record(ctx, d)
	}
	if err != nil {
		return Target{}, err
	}
	return target, nil
}

func (v *Validator) safeURL(ctx context.Context, rawURL string) (Target, Decision, error) {
	var d Decision

	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, d, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" {
		return Target{}, d, fmt.Errorf("%w: missing scheme", ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, d, fmt.Errorf("%w: %q", ErrInvalidProtocol, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, d, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	d.Host = host

	if v.bypassed(host) {
		d.Outcome = OutcomeBypass
		return Target{RequestURL: rawURL, OriginalHost: u.Host}, d, nil
	}

	ip, err := v.classify(ctx, host)
	if ip != "" {
		d.Address = ip
	}
	if err != nil {
		return Target{}, d, err
	}
	return pin(rawURL, u, ip), d, nil
}

// classify turns host into the single address a connection may use, or
// fails. Literals are checked directly; names are resolved once.
func (v *Validator) classify(ctx context.Context, host string) (string, error) {
	if addr, ok := netguard.ParseLiteral(host); ok {
		ip := addr.String()
		if netguard.IsPrivateOrReserved(ip) {
			return ip, denied(ip, "")
		}
		return ip, nil
	}

	// Numeric spellings that resolvers disagree on never reach DNS.
	if netguard.LooksLikeAlternativeIP(host) {
		return "", fmt.Errorf("%w: host %q uses an alternative IP encoding", ErrInvalidURL, truncate(host, maxHostInError))
	}

	if v.verifyAll {
		ips, err := v.dns.ResolveAll(ctx, host)
		v.metrics.observeLookup(err)
		if err != nil {
			return "", err
		}
		for _, ip := range ips {
			if netguard.IsPrivateOrReserved(ip) {
				return ip, denied(ip, host)
			}
		}
		return ips[0], nil
	}

	ip, err := v.dns.ResolveHost(ctx, host)
	v.metrics.observeLookup(err)
	if err != nil {
		return "", err
	}
	if netguard.IsPrivateOrReserved(ip) {
		return ip, denied(ip, host)
	}
	return ip, nil
}

// bypassed reports whether host gets the development localhost exception.
func (v *Validator) bypassed(host string) bool {
	if v.production {
		return false
	}
	return strings.EqualFold(host, "localhost") || host == "127.0.0.1"
}

// pin builds the request target. Only http is rewritten to the address.
func pin(rawURL string, u *url.URL, ip string) Target {
	t := Target{RequestURL: rawURL, OriginalHost: u.Host}
	if u.Scheme != "http" {
		return t
	}
	pinned := *u
	switch port := u.Port(); {
	case port != "":
		pinned.Host = net.JoinHostPort(ip, port)
	case strings.Contains(ip, ":"):
		pinned.Host = "[" + ip + "]"
	default:
		pinned.Host = ip
	}
	t.RequestURL = pinned.String()
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
