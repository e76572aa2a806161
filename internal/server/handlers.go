package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oktsec/ssrfguard/internal/audit"
	"github.com/oktsec/ssrfguard/internal/guard"
	"github.com/oktsec/ssrfguard/internal/netguard"
)

const maxDecisionLimit = 1000

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Production bool   `json:"production"`
}

type checkResponse struct {
	URL          string `json:"url"`
	Allowed      bool   `json:"allowed"`
	RequestURL   string `json:"request_url,omitempty"`
	OriginalHost string `json:"original_host,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

type classifyResponse struct {
	IP                string `json:"ip"`
	Literal           bool   `json:"literal"`
	PrivateOrReserved bool   `json:"private_or_reserved"`
	Range             string `json:"range,omitempty"`
}

type decisionsResponse struct {
	Decisions []audit.Entry `json:"decisions"`
	Count     int           `json:"count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Version:    s.version,
		Production: s.guard.Load().Production,
	})
}

// handleCheck validates a URL without fetching it. A rejected URL is a
// successful check, so the status is 200 either way.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "url parameter is required"})
		return
	}

	target, err := s.guard.Load().Validator.SafeURL(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusOK, checkResponse{
			URL:   raw,
			Kind:  guard.Kind(err),
			Error: publicMessage(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		URL:          raw,
		Allowed:      true,
		RequestURL:   target.RequestURL,
		OriginalHost: target.OriginalHost,
	})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "ip parameter is required"})
		return
	}
	resp := classifyResponse{IP: ip}
	_, resp.Literal = netguard.ParseLiteral(ip)
	if prefix, ok := netguard.Match(ip); ok {
		resp.PrivateOrReserved = true
		resp.Range = prefix.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

const truncatedHeader = "X-Ssrfguard-Truncated"

// handleFetch performs a guarded GET and relays the final response, capped
// at the configured body size.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "url parameter is required"})
		return
	}

	g := s.guard.Load()
	resp, err := g.Fetcher.Fetch(r.Context(), raw, nil)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	// A declared length decides truncation up front. Otherwise the verdict
	// is only known after the copy and goes out as a trailer.
	known := resp.ContentLength >= 0
	if known && resp.ContentLength > g.MaxBodyBytes {
		w.Header().Set(truncatedHeader, "true")
	} else if !known {
		w.Header().Set("Trailer", truncatedHeader)
	}
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, io.LimitReader(resp.Body, g.MaxBodyBytes))
	if err != nil {
		s.logger.Warn("relaying fetched body failed", "error", err, "request_id", RequestIDFrom(r.Context()))
		return
	}
	if !known && n == g.MaxBodyBytes {
		var one [1]byte
		if m, _ := io.ReadFull(resp.Body, one[:]); m > 0 {
			w.Header().Set(truncatedHeader, "true")
		}
	}
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "decision log is disabled"})
		return
	}
	q := r.URL.Query()
	opts := audit.QueryOpts{
		Outcome: q.Get("outcome"),
		Kind:    q.Get("kind"),
		Host:    q.Get("host"),
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid since: use a duration (1h) or RFC 3339 time"})
			return
		}
		opts.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		opts.Limit = min(n, maxDecisionLimit)
	}

	entries, err := s.store.Query(r.Context(), opts)
	if err != nil {
		s.logger.Error("querying decisions", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "query failed"})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, decisionsResponse{Decisions: entries, Count: len(entries)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "decision log is disabled"})
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := parseSince(v, time.Now())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid since: use a duration (1h) or RFC 3339 time"})
			return
		}
		since = t
	}
	st, err := s.store.Stats(r.Context(), since)
	if err != nil {
		s.logger.Error("querying stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ParseSince accepts a look-back duration ("90m") or an RFC 3339 time.
func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}

// publicMessage is what callers see for a rejection. Resolved addresses
// and hostnames stay in the logs.
func publicMessage(err error) string {
	switch {
	case guard.IsPolicy(err):
		return "requested URL is not allowed"
	case guard.Kind(err) == "canceled":
		return "request canceled or timed out"
	default:
		return "upstream request failed"
	}
}

func writeGuardError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case guard.IsPolicy(err):
		status = http.StatusForbidden
	case guard.Kind(err) == "canceled":
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorBody{Error: publicMessage(err), Kind: guard.Kind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent; nothing left but to log.
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}
