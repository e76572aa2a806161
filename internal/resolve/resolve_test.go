package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (s staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// blockingResolver never answers; it returns only when ctx is done.
type blockingResolver struct{}

func (blockingResolver) LookupHost(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAdapter_ResolveHost_FirstAnswer(t *testing.T) {
	a := NewAdapter(staticResolver{
		"example.com": {"93.184.216.34", "10.0.0.1"},
	}, 0)

	ip, err := a.ResolveHost(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip)
}

func TestAdapter_ResolveHost_IPv6Canonical(t *testing.T) {
	a := NewAdapter(staticResolver{
		"v6.example": {"2001:4860:4860:0:0:0:0:8888"},
	}, 0)

	ip, err := a.ResolveHost(context.Background(), "v6.example")
	require.NoError(t, err)
	assert.Equal(t, "2001:4860:4860::8888", ip)
}

func TestAdapter_ResolveHost_Failures(t *testing.T) {
	a := NewAdapter(staticResolver{
		"empty.example": {},
		"junk.example":  {"not-an-ip"},
		"octal.example": {"010.0.0.1"},
	}, 0)

	_, err := a.ResolveHost(context.Background(), "missing.example")
	assert.ErrorIs(t, err, ErrLookupFailed)
	var dnsErr *net.DNSError
	assert.ErrorAs(t, err, &dnsErr, "underlying resolver error should stay reachable")

	_, err = a.ResolveHost(context.Background(), "empty.example")
	assert.ErrorIs(t, err, ErrLookupFailed)

	_, err = a.ResolveHost(context.Background(), "")
	assert.ErrorIs(t, err, ErrLookupFailed)

	_, err = a.ResolveHost(context.Background(), "junk.example")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = a.ResolveHost(context.Background(), "octal.example")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAdapter_ResolveAll(t *testing.T) {
	a := NewAdapter(staticResolver{
		"multi.example": {"93.184.216.34", "10.0.0.1"},
		"mixed.example": {"93.184.216.34", "bogus"},
	}, 0)

	ips, err := a.ResolveAll(context.Background(), "multi.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"93.184.216.34", "10.0.0.1"}, ips)

	_, err = a.ResolveAll(context.Background(), "mixed.example")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAdapter_TimeoutAbandonsLookup(t *testing.T) {
	a := NewAdapter(blockingResolver{}, 50*time.Millisecond)

	start := time.Now()
	_, err := a.ResolveHost(context.Background(), "slow.example")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAdapter_CallerCancellation(t *testing.T) {
	a := NewAdapter(blockingResolver{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := a.ResolveHost(ctx, "slow.example")
	assert.ErrorIs(t, err, context.Canceled)
}

// startDNS runs an in-process nameserver that answers A/AAAA queries from
// the given zone (FQDN -> records) and NXDOMAIN for anything else.
func startDNS(t *testing.T, zone map[string][]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			records, ok := zone[q.Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
				_ = w.WriteMsg(m)
				return
			}
			for _, rec := range records {
				rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN %s", q.Name, rec))
				if err != nil {
					continue
				}
				if rr.Header().Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestUpstream_LookupHost(t *testing.T) {
	addr := startDNS(t, map[string][]string{
		"public.test.":  {"A 93.184.216.34", "A 93.184.216.35"},
		"v6only.test.":  {"AAAA 2001:4860:4860::8888"},
		"private.test.": {"A 169.254.169.254"},
	})
	u := NewUpstream(addr, time.Second)

	got, err := u.LookupHost(context.Background(), "public.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"93.184.216.34", "93.184.216.35"}, got)

	got, err = u.LookupHost(context.Background(), "v6only.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:4860:4860::8888"}, got)

	got, err = u.LookupHost(context.Background(), "private.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"169.254.169.254"}, got)

	_, err = u.LookupHost(context.Background(), "nowhere.test")
	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	assert.True(t, dnsErr.IsNotFound)
}

func TestUpstream_ThroughAdapter(t *testing.T) {
	addr := startDNS(t, map[string][]string{
		"public.test.": {"A 93.184.216.34"},
	})
	a := NewAdapter(NewUpstream(addr, time.Second), time.Second)

	ip, err := a.ResolveHost(context.Background(), "public.test")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip)

	_, err = a.ResolveHost(context.Background(), "nowhere.test")
	assert.ErrorIs(t, err, ErrLookupFailed)
}

func TestNewUpstream_DefaultPort(t *testing.T) {
	assert.Equal(t, "1.1.1.1:53", NewUpstream("1.1.1.1", 0).Server())
	assert.Equal(t, "[2606:4700:4700::1111]:53", NewUpstream("2606:4700:4700::1111", 0).Server())
	assert.Equal(t, "9.9.9.9:5353", NewUpstream("9.9.9.9:5353", 0).Server())
}
