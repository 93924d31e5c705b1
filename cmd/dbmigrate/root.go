package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the dbmigrate command tree: migrate, validate,
// info, baseline, clean and repair, each sharing the same connection
// and configuration flags via persistent flags on the root command.
func NewRootCmd() *cobra.Command {
	cfg := defaultCLIConfig()

	cmd := &cobra.Command{
		Use:           "dbmigrate",
		Short:         "Apply and inspect versioned database schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.ConfigFile, "config", "", "path to a YAML configuration file")
	flags.StringVar(&cfg.URL, "url", "", "database connection URL, e.g. sqlite:///path/to/db or postgres://...")
	flags.StringVar(&cfg.Table, "table", cfg.Table, "metadata table name")
	flags.StringSliceVar(&cfg.Locations, "locations", cfg.Locations, "migration script locations")
	flags.StringVar(&cfg.Target, "target", cfg.Target, `migration target: "latest", "current", or a version like "2.1"`)
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&cfg.IgnoreFuture, "ignore-future", cfg.IgnoreFuture, "do not fail when applied migrations are newer than any resolved one")
	flags.BoolVar(&cfg.ValidateOnMigrate, "validate-on-migrate", cfg.ValidateOnMigrate, "run validation before migrating")
	flags.BoolVar(&cfg.CleanOnValidationError, "clean-on-validation-error", cfg.CleanOnValidationError, "clean the target automatically on validation failure")
	flags.BoolVar(&cfg.CleanDisabled, "clean-disabled", cfg.CleanDisabled, "refuse to run clean")
	flags.BoolVar(&cfg.OutOfOrder, "out-of-order", cfg.OutOfOrder, "allow applying versions older than the highest already applied")
	flags.BoolVar(&cfg.BaselineOnMigrate, "baseline-on-migrate", cfg.BaselineOnMigrate, "baseline automatically when migrating a non-empty, unversioned database")
	flags.StringVar(&cfg.BaselineVersion, "baseline-version", cfg.BaselineVersion, "version recorded by baseline")
	flags.StringVar(&cfg.BaselineDescription, "baseline-description", cfg.BaselineDescription, "description recorded by baseline")

	cmd.AddCommand(
		newMigrateCmd(cfg),
		newValidateCmd(cfg),
		newInfoCmd(cfg),
		newBaselineCmd(cfg),
		newCleanCmd(cfg),
		newRepairCmd(cfg),
	)
	return cmd
}
