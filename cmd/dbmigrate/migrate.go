package main

import (
	"github.com/spf13/cobra"

	migrate "github.com/cognicraft/dbmigrate"
	"github.com/cognicraft/dbmigrate/source/file"
)

func newMigrateCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending migrations",
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

			applied, err := engine.Migrate(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
}
