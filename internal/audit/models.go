package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/oktsec/ssrfguard/internal/guard"
)

// TimeFormat is the fixed-width UTC layout used for stored timestamps so
// that string comparison orders them chronologically.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Entry represents a single recorded validation.
type Entry struct {
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

// FromDecision converts a guard decision into an entry with a fresh ID.
func FromDecision(d guard.Decision) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: FormatTime(d.Time),
		URL:       d.URL,
		Host:      d.Host,
		Address:   d.Address,
		Outcome:   string(d.Outcome),
		Kind:      d.Kind,
		Hop:       d.Hop,
		LatencyUs: d.Latency.Microseconds(),
	}
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// QueryOpts holds filters for decision queries.
type QueryOpts struct {
	Outcome string
	Kind    string
	Host    string
	Since   time.Time
	Limit   int
}

// Stats holds decision counts.
type Stats struct {
	Total   int            `json:"total"`
	Allowed int            `json:"allowed"`
	Denied  int            `json:"denied"`
	Bypass  int            `json:"bypass"`
	ByKind  map[string]int `json:"by_kind,omitempty"`
}
