package main

import (
	"fmt"
	"os"

	"github.com/oktsec/ssrfguard/cmd/ssrfguard/commands"
	"github.com/oktsec/ssrfguard/internal/config"
)

func main() {
	// A local .env fills in anything the shell didn't set.
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := commands.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
