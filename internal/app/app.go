// Package app assembles the guard, its resolver and the decision log from
// a Config. Every front door (server, MCP, CLI) builds through here so they
// enforce identical settings.
package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oktsec/ssrfguard/internal/audit"
	"github.com/oktsec/ssrfguard/internal/config"
	"github.com/oktsec/ssrfguard/internal/guard"
	"github.com/oktsec/ssrfguard/internal/resolve"
)

// Guard pairs a validator with a fetcher built from the same settings.
// It is immutable; config changes produce a new Guard.
type Guard struct {
	Validator    *guard.Validator
	Fetcher      *guard.Fetcher
	Production   bool
	MaxBodyBytes int64
}

// NewResolver returns the upstream resolver when a nameserver is
// configured, the platform resolver otherwise.
func NewResolver(cfg *config.Config) resolve.Resolver {
	if cfg.DNS.Nameserver != "" {
		return resolve.NewUpstream(cfg.DNS.Nameserver, cfg.DNS.Timeout)
	}
	return resolve.NewSystem()
}

// NewGuard builds a Guard. metrics and rec may be nil.
func NewGuard(cfg *config.Config, logger *slog.Logger, metrics *guard.Metrics, rec guard.Recorder) *Guard {
	v := guard.NewValidator(guard.Options{
		Production:       cfg.IsProduction(),
		Resolver:         NewResolver(cfg),
		LookupTimeout:    cfg.DNS.Timeout,
		VerifyAllAnswers: cfg.Guard.VerifyAllAnswers,
		Logger:           logger,
		Metrics:          metrics,
		Recorder:         rec,
	})

	maxRedirects := cfg.Fetch.MaxRedirects
	if maxRedirects == 0 {
		// Config zero means no redirects; the fetcher's zero means default.
		maxRedirects = -1
	}
	f := guard.NewFetcher(v, guard.FetcherOptions{
		MaxRedirects: maxRedirects,
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		DialGuard:    cfg.Guard.DialGuard,
		Logger:       logger,
		Metrics:      metrics,
	})

	return &Guard{
		Validator:    v,
		Fetcher:      f,
		Production:   cfg.IsProduction(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}
}

// Audit is the opened decision log. Store is the queryable SQL sink; the
// Recorder also feeds the Redis stream when one is configured.
type Audit struct {
	Recorder *audit.Recorder
	Store    *audit.Store
}

// GuardRecorder returns the recorder as a guard.Recorder, or nil for a nil
// Audit so the validator sees no recorder at all.
func (a *Audit) GuardRecorder() guard.Recorder {
	if a == nil {
		return nil
	}
	return a.Recorder
}

// QueryStore returns the store, or nil for a nil Audit.
func (a *Audit) QueryStore() *audit.Store {
	if a == nil {
		return nil
	}
	return a.Store
}

// Close flushes pending decisions and closes every sink.
func (a *Audit) Close() error {
	if a == nil {
		return nil
	}
	return a.Recorder.Close()
}

// OpenAudit opens the configured sinks. It returns nil when auditing is
// disabled.
func OpenAudit(cfg *config.Config, logger *slog.Logger) (*Audit, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}

	store, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	sinks := []audit.Sink{store}

	if cfg.Audit.Redis.URL != "" {
		stream, err := audit.OpenStream(cfg.Audit.Redis.URL, cfg.Audit.Redis.Stream, cfg.Audit.Redis.MaxLen)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("opening decision stream: %w", err)
		}
		sinks = append(sinks, stream)
		logger.Info("publishing decisions to redis", "stream", cfg.Audit.Redis.Stream)
	}

	var sink audit.Sink = store
	if len(sinks) > 1 {
		sink = audit.Multi(sinks...)
	}
	return &Audit{
		Recorder: audit.NewRecorder(sink, logger),
		Store:    store,
	}, nil
}

// RetentionWindow returns the configured decision retention, zero when
// decisions are kept forever.
func RetentionWindow(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
}
