package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/oktsec/ssrfguard/internal/app"
	"github.com/oktsec/ssrfguard/internal/config"
	"github.com/oktsec/ssrfguard/internal/guard"
	"github.com/oktsec/ssrfguard/internal/server"
	"github.com/oktsec/ssrfguard/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ssrfguard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing.Exporter, version, os.Stdout, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := guard.NewMetrics(reg)

			auditLog, err := app.OpenAudit(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = auditLog.Close() }()

			if store := auditLog.QueryStore(); store != nil {
				if window := app.RetentionWindow(cfg); window > 0 {
					go store.RunRetention(ctx, window, time.Hour)
				}
			}

			g := app.NewGuard(cfg, logger, metrics, auditLog.GuardRecorder())
			srv, err := server.NewServer(cfg, g, server.Options{
				Version:  version,
				Gatherer: reg,
				Store:    auditLog.QueryStore(),
			}, logger)
			if err != nil {
				return err
			}

			if !g.Production {
				logger.Warn("non-production mode: localhost and 127.0.0.1 bypass validation", "environment", cfg.Environment)
			}
			printBanner(cfg, srv.Port())

			if watch {
				go func() {
					err := config.Watch(ctx, cfgFile, logger, func(next *config.Config) {
						// Listener settings and sinks need a restart; guard settings apply live.
						srv.SwapGuard(app.NewGuard(next, logger, metrics, auditLog.GuardRecorder()))
					})
					if err != nil {
						logger.Warn("config watch stopped", "error", err)
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload guard settings when the config file changes")
	return cmd
}

func printBanner(cfg *config.Config, port int) {
	useColor(os.Stdout)
	base := fmt.Sprintf("http://%s:%d", cfg.Server.Bind, port)

	mode := okLabel("production")
	if !cfg.IsProduction() {
		mode = deniedLabel(cfg.Environment)
	}
	audit := "off"
	if cfg.Audit.Enabled {
		audit = cfg.Audit.Driver
	}

	fmt.Println()
	fmt.Println("  ssrfguard")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Check:    %s/v1/check?url=...\n", base)
	fmt.Printf("  Fetch:    %s/v1/fetch?url=...\n", base)
	fmt.Printf("  Metrics:  %s/metrics\n", base)
	fmt.Printf("  Health:   %s/health\n", base)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Mode: %s  |  Redirects: %d  |  Decision log: %s\n", mode, cfg.Fetch.MaxRedirects, audit)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
