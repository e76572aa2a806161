// Package resolve wraps the forward DNS lookup used to turn a hostname into
// the single address the guard classifies and pins.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

var (
	// ErrLookupFailed is returned when the lookup errors, times out or
	// produces no answers.
	ErrLookupFailed = errors.New("DNS resolution failed")
	// ErrInvalidAddress is returned when the resolver answers with
	// something that is not an IP literal.
	ErrInvalidAddress = errors.New("resolved address is not a valid IP")
)

// DefaultTimeout bounds a single lookup when the caller's context has no
// earlier deadline.
const DefaultTimeout = 5 * time.Second

// Resolver performs a forward lookup. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NewSystem returns the platform resolver.
func NewSystem() Resolver {
	return net.DefaultResolver
}

// Adapter turns a Resolver answer into validated address literals.
// It holds no state between calls and is safe for concurrent use.
type Adapter struct {
	resolver Resolver
	timeout  time.Duration
}

// NewAdapter wraps r. A nil r uses the platform resolver; timeout <= 0
// uses DefaultTimeout.
func NewAdapter(r Resolver, timeout time.Duration) *Adapter {
	if r == nil {
		r = NewSystem()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{resolver: r, timeout: timeout}
}

// ResolveHost performs exactly one lookup and returns the resolver's first
// answer. Only that answer is validated; see ResolveAll for the stricter
// variant.
func (a *Adapter) ResolveHost(ctx context.Context, host string) (string, error) {
	answers, err := a.lookup(ctx, host)
	if err != nil {
		return "", err
	}
	return canonical(host, answers[0])
}

// ResolveAll performs exactly one lookup and returns every answer, each
// validated as an IP literal. Order is preserved so answers[0] matches
// ResolveHost.
func (a *Adapter) ResolveAll(ctx context.Context, host string) ([]string, error) {
	answers, err := a.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(answers))
	for _, ans := range answers {
		ip, err := canonical(host, ans)
		if err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, nil
}

func (a *Adapter) lookup(ctx context.Context, host string) ([]string, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty hostname", ErrLookupFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	answers, err := a.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w for %q: %w", ErrLookupFailed, host, err)
	}
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %q", ErrLookupFailed, host)
	}
	return answers, nil
}

func canonical(host, answer string) (string, error) {
	addr, err := netip.ParseAddr(answer)
	if err != nil {
		return "", fmt.Errorf("%w: %q answered %q", ErrInvalidAddress, host, answer)
	}
	return addr.WithZone("").String(), nil
}
