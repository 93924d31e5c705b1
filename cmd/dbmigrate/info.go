package main

import (
	"fmt"

	"github.com/spf13/cobra"

	migrate "github.com/cognicraft/dbmigrate"
	"github.com/cognicraft/dbmigrate/source/file"
)

func newInfoCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the reconciled state of every resolved and applied migration",
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

			rows, err := engine.Info(ctx)
			if err != nil {
				return err
			}
			printInfoTable(cmd, rows)
			return nil
		},
	}
}

func printInfoTable(cmd *cobra.Command, rows []migrate.InfoRow) {
	cmd.Println("VERSION    DESCRIPTION                    STATE")
	for _, row := range rows {
		version := "R"
		description := ""
		switch {
		case row.Descriptor != nil:
			if row.Descriptor.Kind != migrate.KindRepeatable {
				version = row.Descriptor.Version.String()
			}
			description = row.Descriptor.Description
		case row.Applied != nil:
			if row.Applied.Kind != migrate.KindRepeatable {
				version = row.Applied.Version.String()
			}
			description = row.Applied.Description
		}
		cmd.Println(fmt.Sprintf("%-10s %-30s %s", version, description, row.State))
	}
}
