package guard

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeResolver answers from a fixed table and counts lookups.
type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	calls   int
}

func newFakeResolver(answers map[string][]string) *fakeResolver {
	return &fakeResolver{answers: answers}
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, ok := f.answers[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// sequenceResolver returns the next answer on every lookup, repeating the
// last one once exhausted.
type sequenceResolver struct {
	mu   sync.Mutex
	seq  []string
	next int
}

func (s *sequenceResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ip := s.seq[min(s.next, len(s.seq)-1)]
	s.next++
	return []string{ip}, nil
}

type seenRequest struct {
	Method    string
	URL       string
	Host      string
	UserAgent string
	Header    http.Header
	Body      string
}

// fakeTransport records every request and answers through respond.
type fakeTransport struct {
	mu      sync.Mutex
	seen    []seenRequest
	respond func(req *http.Request) *http.Response
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		_ = req.Body.Close()
		body = string(b)
	}
	f.mu.Lock()
	f.seen = append(f.seen, seenRequest{
		Method:    req.Method,
		URL:       req.URL.String(),
		Host:      req.Host,
		UserAgent: req.Header.Get("User-Agent"),
		Header:    req.Header.Clone(),
		Body:      body,
	})
	f.mu.Unlock()

	resp := f.respond(req)
	resp.Request = req
	return resp, nil
}

func (f *fakeTransport) Seen() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenRequest(nil), f.seen...)
}

func response(status int, location, body string) *http.Response {
	h := http.Header{}
	if location != "" {
		h.Set("Location", location)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// decisionLog is a Recorder that keeps everything.
type decisionLog struct {
	mu sync.Mutex
	ds []Decision
}

func (l *decisionLog) Record(_ context.Context, d Decision) {
	l.mu.Lock()
	l.ds = append(l.ds, d)
	l.mu.Unlock()
}

func (l *decisionLog) All() []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Decision(nil), l.ds...)
}
