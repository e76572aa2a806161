package resolve

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Upstream queries a fixed nameserver directly instead of going through the
// platform resolver configuration (/etc/hosts, nsswitch, search domains).
type Upstream struct {
	server string
	client *dns.Client
}

// NewUpstream returns a resolver that sends queries to server ("host" or
// "host:port"; port 53 is assumed when absent).
func NewUpstream(server string, timeout time.Duration) *Upstream {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Upstream{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Server returns the nameserver address queries are sent to.
func (u *Upstream) Server() string { return u.server }

// LookupHost asks for A records first, then AAAA, and returns the answers
// in the order the server sent them. CNAME chains are followed by the
// recursive server; only address records are returned.
func (u *Upstream) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	var addrs []string
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		got, err := u.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, got...)
		if len(addrs) > 0 {
			break
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, Server: u.server, IsNotFound: true}
	}
	return addrs, nil
}

func (u *Upstream) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	in, _, err := u.client.ExchangeContext(ctx, msg, u.server)
	if err != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", u.server, host, err)
	}
	if in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: u.client.Timeout}
		if in, _, err = tcp.ExchangeContext(ctx, msg, u.server); err != nil {
			return nil, fmt.Errorf("querying %s over tcp for %s: %w", u.server, host, err)
		}
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[in.Rcode],
			Name:       host,
			Server:     u.server,
			IsNotFound: in.Rcode == dns.RcodeNameError,
		}
	}

	var out []string
	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			out = append(out, rec.A.String())
		case *dns.AAAA:
			out = append(out, rec.AAAA.String())
		}
	}
	return out, nil
}
