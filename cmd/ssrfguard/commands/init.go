package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/ssrfguard/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool
	var environment string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Example: `  ssrfguard init
  ssrfguard init --environment development --config ./dev.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Lstat(cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := config.Defaults()
			cfg.Environment = environment
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (environment: %s)\n", cfgFile, cfg.Environment)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&environment, "environment", "production", "environment to write (production disables the localhost exception)")
	return cmd
}
