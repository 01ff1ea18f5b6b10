package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"brokerage/internal/config"
	"brokerage/internal/database"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
		Long: `Apply the SQL migrations embedded in the binary.

Examples:
  connctl migrate up          # apply all pending migrations
  connctl migrate down        # roll back the last migration
  connctl migrate down 2      # roll back two migrations
  connctl migrate version     # print the current schema version`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(mg *database.Migrator) error {
					if err := mg.Up(); err != nil {
						return err
					}
					return printVersion(cmd, mg)
				})
			},
		},
		&cobra.Command{
			Use:   "down [N]",
			Short: "Roll back N migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps, err := parseSteps(args)
				if err != nil {
					return err
				}
				return withMigrator(func(mg *database.Migrator) error {
					if err := mg.Down(steps); err != nil {
						return err
					}
					return printVersion(cmd, mg)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(mg *database.Migrator) error {
					return printVersion(cmd, mg)
				})
			},
		},
	)
	return cmd
}

// parseSteps разбирает необязательный аргумент N для migrate down
func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps < 1 {
		return 0, fmt.Errorf("N must be a positive integer, got %q", args[0])
	}
	return steps, nil
}

func withMigrator(fn func(mg *database.Migrator) error) error {
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}

	mg, err := database.NewMigrator(dbCfg.URL())
	if err != nil {
		return err
	}
	defer mg.Close()

	return fn(mg)
}

func printVersion(cmd *cobra.Command, mg *database.Migrator) error {
	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "schema version: none")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d%s\n", version, suffix)
	return nil
}
