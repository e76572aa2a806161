package commands

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oktsec/ssrfguard/internal/app"
	"github.com/oktsec/ssrfguard/internal/guard"
)

func newFetchCmd() *cobra.Command {
	var method, data string
	var headers []string
	var include bool
	var maxBytes int64

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Request a URL through the guard, validating every redirect",
		Example: `  ssrfguard fetch https://example.com/
  ssrfguard fetch -X POST -d '{"a":1}' -H 'Content-Type: application/json' https://api.example.com/hook`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			g := app.NewGuard(cfg, quietLogger(), nil, nil)

			opts := &guard.FetchOptions{Method: strings.ToUpper(method), Header: http.Header{}}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q: want 'Name: value'", h)
				}
				opts.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}
			if data != "" {
				opts.Body = []byte(data)
			}

			resp, err := g.Fetcher.Fetch(cmd.Context(), args[0], opts)
			if err != nil {
				return fmt.Errorf("fetch refused (%s): %w", guard.Kind(err), err)
			}
			defer func() { _ = resp.Body.Close() }()

			if include {
				fmt.Fprintf(os.Stdout, "%s %s\n", resp.Proto, resp.Status) //nolint:errcheck // CLI output
				if err := resp.Header.Write(os.Stdout); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout) //nolint:errcheck // CLI output
			}

			limit := maxBytes
			if limit <= 0 {
				limit = cfg.Fetch.MaxBodyBytes
			}
			if _, err := io.Copy(os.Stdout, io.LimitReader(resp.Body, limit)); err != nil {
				return fmt.Errorf("reading body: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "request", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header 'Name: value' (repeatable)")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "print status line and response headers")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "body bytes to print (default: fetch.max_body_bytes)")
	return cmd
}
