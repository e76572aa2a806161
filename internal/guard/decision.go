package guard

import (
	"context"
	"time"
)

// Outcome is the verdict of one validation.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	// OutcomeBypass marks the non-production localhost exception.
	OutcomeBypass Outcome = "bypass"
)

// maxURLInDecision bounds the URL copied into a Decision.
const maxURLInDecision = 2048

// Decision describes one validation for audit sinks.
type Decision struct {
	Time    time.Time
	URL     string
	Host    string
	Address string // classified address, empty when validation failed before classification
	Outcome Outcome
	Kind    string // error kind, empty when allowed
	Hop     int    // 0 for the initial request, n for the nth redirect
	Latency time.Duration
}

// Recorder receives decisions. Implementations must not block the caller
// for long; the validator calls Record inline.
type Recorder interface {
	Record(ctx context.Context, d Decision)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, d Decision)

func (f RecorderFunc) Record(ctx context.Context, d Decision) { f(ctx, d) }

type hopKey struct{}

func withHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, hopKey{}, hop)
}

func hopFrom(ctx context.Context) int {
	n, _ := ctx.Value(hopKey{}).(int)
	return n
}
