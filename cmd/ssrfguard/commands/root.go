package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oktsec/ssrfguard/internal/config"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "ssrfguard",
		Short: "Outbound URL guard against server-side request forgery",
		Long: "ssrfguard validates user-supplied URLs before your service requests them: " +
			"private and reserved address ranges are refused, DNS answers are checked and " +
			"pinned, and every redirect hop is revalidated.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "ssrfguard.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newClassifyCmd(),
		newFetchCmd(),
		newLogsCmd(),
		newMCPCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads cfgFile, falling back to defaults (plus environment
// overrides) when the file does not exist. Any other read error is fatal.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Defaults()
		cfg.ApplyEnv()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// quietLogger is for one-shot commands: only errors reach stderr.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// useColor disables fatih/color's output unless w is a terminal.
func useColor(w io.Writer) {
	f, ok := w.(*os.File)
	color.NoColor = !ok || !term.IsTerminal(int(f.Fd())) || os.Getenv("NO_COLOR") != ""
}

var (
	okLabel     = color.New(color.FgGreen, color.Bold).SprintFunc()
	deniedLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	dimLabel    = color.New(color.Faint).SprintFunc()
)

func outcomeLabel(outcome string) string {
	switch outcome {
	case "allowed":
		return okLabel("ALLOWED")
	case "denied":
		return deniedLabel("DENIED")
	default:
		return dimLabel(outcome)
	}
}
