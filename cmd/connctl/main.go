package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRootCmd собирает дерево команд connctl
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "connctl",
		Short: "Administration tool for the brokerage connection service",
		Long: `connctl manages the brokerage connection service outside of the HTTP API:
encryption key generation, schema migrations and the broker registry.

Database settings are read from the same environment variables (and .env)
as the server: DB_HOST, DB_PORT, DB_NAME, DB_USER, DB_PASSWORD, DB_SSL_MODE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newKeygenCmd(),
		newTokenCmd(),
		newMigrateCmd(),
		newBrokersCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
