package main

import (
	"github.com/spf13/cobra"

	migrate "github.com/cognicraft/dbmigrate"
	"github.com/cognicraft/dbmigrate/source/file"
)

func newBaselineCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "baseline",
		Short: "Record a baseline marker so earlier migrations are skipped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := cli.toEngineConfig()
			if err != nil {
				return err
			}
			backend, store, err := connect(ctx, cfg, cli.URL)
			if err != nil {
				return err
			}
			engine := migrate.NewEngine(cfg, backend, store, true, file.New(cfg))
			defer engine.Close() //nolint:errcheck

			if err := engine.Baseline(ctx); err != nil {
				return err
			}
			cmd.Printf("baselined at %s\n", cfg.BaselineVersion)
			return nil
		},
	}
}
