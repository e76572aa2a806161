package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oktsec/ssrfguard/internal/app"
	"github.com/oktsec/ssrfguard/internal/guard"
	"github.com/oktsec/ssrfguard/internal/netguard"
)

type checkOutput struct {
	URL          string `json:"url"`
	Allowed      bool   `json:"allowed"`
	RequestURL   string `json:"request_url,omitempty"`
	OriginalHost string `json:"original_host,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check <url>...",
		Short: "Validate URLs without requesting them",
		Long: "Runs each URL through the guard and prints the verdict. The command " +
			"exits non-zero when any URL is rejected, so it can gate scripts.",
		Example: `  ssrfguard check https://example.com/webhook
  ssrfguard check http://169.254.169.254/latest/meta-data/ --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			g := app.NewGuard(cfg, quietLogger(), nil, nil)

			results := make([]checkOutput, 0, len(args))
			rejected := 0
			for _, raw := range args {
				out := checkOutput{URL: raw}
				target, err := g.Validator.SafeURL(cmd.Context(), raw)
				if err != nil {
					rejected++
					out.Kind = guard.Kind(err)
					out.Error = err.Error()
				} else {
					out.Allowed = true
					out.RequestURL = target.RequestURL
					out.OriginalHost = target.OriginalHost
				}
				results = append(results, out)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				useColor(os.Stdout)
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, r := range results {
					if r.Allowed {
						fmt.Fprintf(tw, "%s\t%s\t-> %s (Host: %s)\n", okLabel("ALLOWED"), r.URL, r.RequestURL, r.OriginalHost) //nolint:errcheck // CLI output
					} else {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", deniedLabel("DENIED"), r.URL, r.Error) //nolint:errcheck // CLI output
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if rejected > 0 {
				return fmt.Errorf("%d of %d URL(s) rejected", rejected, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

type classifyOutput struct {
	IP                string `json:"ip"`
	Literal           bool   `json:"literal"`
	PrivateOrReserved bool   `json:"private_or_reserved"`
	Range             string `json:"range,omitempty"`
}

func newClassifyCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <ip>...",
		Short: "Report whether IP addresses are private or reserved",
		Example: `  ssrfguard classify 10.0.0.1 8.8.8.8 ::ffff:127.0.0.1
  ssrfguard classify fd00::1 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]classifyOutput, 0, len(args))
			for _, ip := range args {
				out := classifyOutput{IP: ip}
				_, out.Literal = netguard.ParseLiteral(ip)
				if prefix, ok := netguard.Match(ip); ok {
					out.PrivateOrReserved = true
					out.Range = prefix.String()
				}
				results = append(results, out)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			useColor(os.Stdout)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, r := range results {
				switch {
				case !r.Literal:
					fmt.Fprintf(tw, "%s\t%s\tnot an IP literal\n", dimLabel("INVALID"), r.IP) //nolint:errcheck // CLI output
				case r.PrivateOrReserved:
					fmt.Fprintf(tw, "%s\t%s\t%s\n", deniedLabel("RESERVED"), r.IP, r.Range) //nolint:errcheck // CLI output
				default:
					fmt.Fprintf(tw, "%s\t%s\t\n", okLabel("PUBLIC"), r.IP) //nolint:errcheck // CLI output
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}
