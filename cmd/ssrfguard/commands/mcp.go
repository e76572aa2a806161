package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oktsec/ssrfguard/internal/app"
	mcpserver "github.com/oktsec/ssrfguard/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start ssrfguard as an MCP server (stdio)",
		Long: `Exposes ssrfguard as an MCP tool server. Add to your MCP client config:

  {
    "mcpServers": {
      "ssrfguard": {
        "command": "ssrfguard",
        "args": ["mcp", "--config", "./ssrfguard.yaml"]
      }
    }
  }

Tools: check_url, classify_ip, fetch_url, query_decisions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// stdout carries the protocol; logs go to stderr only.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			auditLog, err := app.OpenAudit(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = auditLog.Close() }()

			g := app.NewGuard(cfg, logger, nil, auditLog.GuardRecorder())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := mcpserver.NewServer(g, auditLog.QueryStore(), version, logger)
			return mcpserver.Serve(ctx, s)
		},
	}
}
