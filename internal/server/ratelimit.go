package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter implements a sliding-window rate limit per client address.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
	now      func() time.Time
}

// newRateLimiter creates a rate limiter. If limit <= 0, allow always
// returns true.
func newRateLimiter(limit int, windowSeconds int) *rateLimiter {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &rateLimiter{
		limit:    limit,
		window:   time.Duration(windowSeconds) * time.Second,
		counters: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// allow records a request from client and reports whether it is within
// the limit.
func (rl *rateLimiter) allow(client string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Prune old timestamps
	timestamps := rl.counters[client]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= rl.limit {
		rl.counters[client] = pruned
		return false
	}

	rl.counters[client] = append(pruned, now)
	return true
}

// sweep drops clients with no requests inside the window so idle
// addresses don't accumulate.
func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for client, ts := range rl.counters {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(rl.counters, client)
		}
	}
}

// wrap applies the limit to h, keyed by the peer address. Proxy headers
// are ignored.
func (rl *rateLimiter) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !rl.allow(client) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}
