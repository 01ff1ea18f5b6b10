package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"brokerage/internal/config"
	"brokerage/internal/database"
	"brokerage/internal/models"
	"brokerage/internal/registry"
	"brokerage/internal/repository"
)

func newBrokersCmd() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "brokers",
		Short: "Inspect and seed the broker registry",
		Long: `Commands for the broker registry. Without --file the registry embedded
in the binary is used, otherwise the YAML file (same format as BROKERS_FILE).`,
	}
	cmd.PersistentFlags().StringVar(&seedFile, "file", "", "Broker seed YAML (default: embedded registry)")

	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the broker registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Load(seedFile)
			if err != nil {
				return err
			}
			return printBrokers(cmd.OutOrStdout(), reg.List(), format)
		},
	}
	list.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")

	var timeout time.Duration
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the registry into the brokers table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Load(seedFile)
			if err != nil {
				return err
			}
			dbCfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := database.Open(ctx, dbCfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := reg.Seed(ctx, repository.NewBrokerRepository(db)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d brokers\n", len(reg.List()))
			return nil
		},
	}
	seed.Flags().DurationVar(&timeout, "timeout", time.Minute, "Timeout for database operations")

	cmd.AddCommand(list, seed)
	return cmd
}

// brokerRow - строка вывода со всеми полями, включая token_url
type brokerRow struct {
	ID           int    `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Kind         string `json:"kind" yaml:"kind"`
	BaseURL      string `json:"base_url" yaml:"base_url"`
	StreamingURL string `json:"streaming_url,omitempty" yaml:"streaming_url,omitempty"`
	TokenURL     string `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	IsLiveMode   bool   `json:"is_live_mode" yaml:"is_live_mode"`
}

func printBrokers(w io.Writer, brokers []models.Broker, format string) error {
	rows := make([]brokerRow, 0, len(brokers))
	for _, b := range brokers {
		rows = append(rows, brokerRow{
			ID: b.ID, Name: b.Name, Kind: b.Kind, BaseURL: b.BaseURL,
			StreamingURL: b.StreamingURL, TokenURL: b.TokenURL, IsLiveMode: b.IsLiveMode,
		})
	}

	switch format {
	case "json":
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)

	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(map[string][]brokerRow{"brokers": rows})

	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKIND\tLIVE\tBASE URL\tOAUTH")
		for _, r := range rows {
			oauth := "-"
			if r.TokenURL != "" {
				oauth = "yes"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n", r.ID, r.Name, r.Kind, r.IsLiveMode, r.BaseURL, oauth)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown format %q (table, json, yaml)", format)
	}
}
