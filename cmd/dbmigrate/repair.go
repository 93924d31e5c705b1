package main

import (
	"github.com/spf13/cobra"

	migrate "github.com/cognicraft/dbmigrate"
	"github.com/cognicraft/dbmigrate/source/file"
)

func newRepairCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Remove failed entries and recompute checksums of applied migrations",
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

			if err := engine.Repair(ctx); err != nil {
				return err
			}
			cmd.Println("repair complete")
			return nil
		},
	}
}
