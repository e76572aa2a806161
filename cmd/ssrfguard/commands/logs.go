package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/ssrfguard/internal/audit"
)

func newLogsCmd() *cobra.Command {
	var outcome, kind, host, since string
	var limit int
	var live, stats, asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the decision log",
		Example: `  ssrfguard logs
  ssrfguard logs --outcome denied
  ssrfguard logs --kind private_address_denied --since 1h
  ssrfguard logs --stats --since 24h
  ssrfguard logs --live`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Audit.Enabled {
				return errors.New("decision log is disabled (audit.enabled: false)")
			}

			store, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN, quietLogger())
			if err != nil {
				return fmt.Errorf("opening decision log: %w", err)
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			opts := audit.QueryOpts{Outcome: outcome, Kind: kind, Host: host, Limit: limit}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				opts.Since = time.Now().Add(-dur)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if stats {
				st, err := store.Stats(ctx, opts.Since)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(os.Stdout, st)
				}
				printStats(os.Stdout, st)
				return nil
			}

			if live {
				return streamLive(ctx, store, opts)
			}

			entries, err := store.Query(ctx, opts)
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []audit.Entry{}
				}
				return writeJSON(os.Stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Println("No decisions found.")
				return nil
			}

			useColor(os.Stdout)
			tw := newDecisionTable(os.Stdout)
			for _, e := range entries {
				writeDecisionRow(tw, e)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (allowed, denied, bypass)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by rejection kind (e.g. private_address_denied)")
	cmd.Flags().StringVar(&host, "host", "", "filter by hostname")
	cmd.Flags().StringVar(&since, "since", "", "show decisions since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().BoolVar(&live, "live", false, "stream new decisions in real-time")
	cmd.Flags().BoolVar(&stats, "stats", false, "print outcome counts instead of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDecisionTable(w io.Writer) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TIME\tOUTCOME\tKIND\tHOST\tADDRESS\tHOP\tLATENCY\n") //nolint:errcheck // CLI output
	return tw
}

func writeDecisionRow(tw *tabwriter.Writer, e audit.Entry) {
	kind := e.Kind
	if kind == "" {
		kind = "-"
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%dus\n", //nolint:errcheck // CLI output
		e.Timestamp, outcomeLabel(e.Outcome), kind, e.Host, e.Address, e.Hop, e.LatencyUs)
}

func printStats(w io.Writer, st audit.Stats) {
	useColor(os.Stdout)
	fmt.Fprintf(w, "Total:    %d\n", st.Total)                    //nolint:errcheck // CLI output
	fmt.Fprintf(w, "Allowed:  %s\n", okLabel(st.Allowed))         //nolint:errcheck // CLI output
	fmt.Fprintf(w, "Denied:   %s\n", deniedLabel(st.Denied))      //nolint:errcheck // CLI output
	fmt.Fprintf(w, "Bypassed: %s\n", dimLabel(st.Bypass))         //nolint:errcheck // CLI output
	if len(st.ByKind) == 0 {
		return
	}
	fmt.Fprintln(w)             //nolint:errcheck // CLI output
	fmt.Fprintln(w, "By kind:") //nolint:errcheck // CLI output
	kinds := make([]string, 0, len(st.ByKind))
	for k := range st.ByKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-28s %d\n", k, st.ByKind[k]) //nolint:errcheck // CLI output
	}
}

// streamLive polls the decision log every second and prints new entries.
func streamLive(ctx context.Context, store *audit.Store, opts audit.QueryOpts) error {
	fmt.Println("Streaming decisions (Ctrl+C to stop)...")
	fmt.Println()

	useColor(os.Stdout)
	tw := newDecisionTable(os.Stdout)
	_ = tw.Flush()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	// Track seen IDs to avoid duplicates
	seen := make(map[string]struct{})
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Seed with recent entries
	opts.Since = time.Now().Add(-1 * time.Minute)
	opts.Limit = 100

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopped.")
			return nil
		case <-ticker.C:
			entries, err := store.Query(ctx, opts)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
			// Query returns newest first; print oldest first.
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				if _, ok := seen[e.ID]; ok {
					continue
				}
				seen[e.ID] = struct{}{}
				writeDecisionRow(tw, e)
			}
			_ = tw.Flush()
			opts.Since = time.Now().Add(-1 * time.Minute)
			if len(seen) > 10_000 {
				clear(seen)
			}
		}
	}
}
