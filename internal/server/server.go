// Package server exposes the guard over HTTP: URL checks, address
// classification, guarded fetches and the decision log.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oktsec/ssrfguard/internal/app"
	"github.com/oktsec/ssrfguard/internal/audit"
	"github.com/oktsec/ssrfguard/internal/config"
)

// Options carries the server's optional collaborators.
type Options struct {
	Version string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Store backs /v1/decisions and /v1/stats. Nil disables them.
	Store *audit.Store
}

// Server is the ssrfguard HTTP API server.
type Server struct {
	cfg      *config.Config
	srv      *http.Server
	ln       net.Listener
	guard    atomic.Pointer[app.Guard]
	store    *audit.Store
	limiter  *rateLimiter
	done     chan struct{}
	stopOnce sync.Once
	version  string
	logger   *slog.Logger
}

// New creates a server around g without binding a port. Use it directly
// with Handler in tests.
func New(cfg *config.Config, g *app.Guard, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   opts.Store,
		limiter: newRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow),
		done:    make(chan struct{}),
		version: opts.Version,
		logger:  logger,
	}
	s.guard.Store(g)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.srv = &http.Server{
		Handler:        s.routes(gatherer),
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		ReadTimeout:    15 * time.Second,
		// Fetches may take the whole fetch timeout before the relay starts.
		WriteTimeout: cfg.Fetch.Timeout + 15*time.Second,
	}
	return s
}

// NewServer creates the server and binds its listener.
func NewServer(cfg *config.Config, g *app.Guard, opts Options, logger *slog.Logger) (*Server, error) {
	s := New(cfg, g, opts, logger)

	// Bind to 127.0.0.1 by default (localhost only).
	bind := cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}

	// Try configured port, auto-find next available if busy.
	ln, actualPort, err := listenAutoPort(bind, cfg.Server.Port, logger)
	if err != nil {
		return nil, fmt.Errorf("binding port: %w", err)
	}
	cfg.Server.Port = actualPort
	s.ln = ln
	return s, nil
}

func (s *Server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/check", s.limiter.wrap(s.handleCheck))
	mux.HandleFunc("GET /v1/classify", s.handleClassify)
	mux.HandleFunc("GET /v1/fetch", s.limiter.wrap(s.handleFetch))
	mux.HandleFunc("GET /v1/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(s.logger)(h)
	h = recovery(s.logger)(h)
	h = requestID(h)
	return otelhttp.NewHandler(h, "ssrfguard")
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// SwapGuard replaces the guard used by subsequent requests. Requests in
// flight finish with the guard they started with.
func (s *Server) SwapGuard(g *app.Guard) {
	old := s.guard.Swap(g)
	if old == nil || old.Production != g.Production {
		s.logger.Info("guard updated", "production", g.Production)
	}
}

// Guard returns the current guard.
func (s *Server) Guard() *app.Guard {
	return s.guard.Load()
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(port)))
	if err == nil {
		// Port 0 lets the OS choose; report what it picked.
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(tryPort)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

// Port returns the actual port the server is bound to.
func (s *Server) Port() int {
	return s.cfg.Server.Port
}

// Start begins listening. Blocks until the server is shut down.
func (s *Server) Start() error {
	if s.ln == nil {
		return errors.New("server has no listener; create it with NewServer")
	}
	s.logger.Info("ssrfguard starting",
		"addr", s.ln.Addr().String(),
		"production", s.guard.Load().Production,
		"decision_log", s.store != nil,
	)
	go s.sweepLimiter()
	return s.srv.Serve(s.ln)
}

func (s *Server) sweepLimiter() {
	ticker := time.NewTicker(s.limiter.window)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.limiter.sweep()
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.stopOnce.Do(func() { close(s.done) })
	return s.srv.Shutdown(ctx)
}
