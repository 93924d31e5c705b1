package main

import (
	"github.com/spf13/cobra"

	migrate "github.com/cognicraft/dbmigrate"
	"github.com/cognicraft/dbmigrate/source/file"
)

func newValidateCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Verify applied migrations match the resolved scripts",
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

			if err := engine.Validate(ctx); err != nil {
				return err
			}
			cmd.Println("validation OK")
			return nil
		},
	}
}
