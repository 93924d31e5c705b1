package main

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	migrate "github.com/cognicraft/dbmigrate"
)

// cliConfig holds the subset of migrate.Configuration fields exposed on
// the command line, plus connection/process concerns the engine itself
// has no opinion about.
type cliConfig struct {
	ConfigFile string
	URL        string
	Table      string
	Locations  []string
	Target     string
	LogFormat  string
	LogLevel   string

	IgnoreFuture           bool
	ValidateOnMigrate      bool
	CleanOnValidationError bool
	CleanDisabled          bool
	OutOfOrder             bool
	BaselineOnMigrate      bool
	BaselineVersion        string
	BaselineDescription    string
}

func defaultCLIConfig() *cliConfig {
	return &cliConfig{
		Table:               "schema_migrations",
		Locations:           []string{"filesystem:migrations"},
		Target:              "latest",
		LogFormat:           "json",
		LogLevel:            "info",
		IgnoreFuture:        true,
		ValidateOnMigrate:   true,
		BaselineVersion:     "1",
		BaselineDescription: "<< Baseline >>",
	}
}

// load merges a YAML config file (if ConfigFile is set) over cliConfig's
// flag-populated defaults, the way koanf's file provider is meant to be
// layered: flags establish the baseline, the file overrides what it sets.
func (c *cliConfig) load() error {
	if c.ConfigFile == "" {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(c.ConfigFile), yaml.Parser()); err != nil {
		return fmt.Errorf("loading config file %s: %w", c.ConfigFile, err)
	}
	return k.Unmarshal("", c)
}

// toEngineConfig builds a migrate.Configuration from the resolved CLI
// settings, applying spec.md §3 defaults for anything the CLI has no
// flag for.
func (c *cliConfig) toEngineConfig() (migrate.Configuration, error) {
	cfg := migrate.DefaultConfiguration()
	cfg.Locations = c.Locations
	cfg.MetadataTable = c.Table
	cfg.IgnoreFuture = c.IgnoreFuture
	cfg.ValidateOnMigrate = c.ValidateOnMigrate
	cfg.CleanOnValidationError = c.CleanOnValidationError
	cfg.CleanDisabled = c.CleanDisabled
	cfg.OutOfOrder = c.OutOfOrder
	cfg.BaselineOnMigrate = c.BaselineOnMigrate
	cfg.LockRetryBackoff = retry.WithMaxRetries(20, retry.NewExponential(100*time.Millisecond))
	cfg.Logger = newLogger(c.LogFormat, c.LogLevel)

	if c.Target != "" {
		target, err := parseTarget(c.Target)
		if err != nil {
			return migrate.Configuration{}, err
		}
		cfg.Target = target
	}
	if c.BaselineVersion != "" {
		v, err := migrate.ParseVersion(c.BaselineVersion)
		if err != nil {
			return migrate.Configuration{}, err
		}
		cfg.BaselineVersion = v
	}
	if c.BaselineDescription != "" {
		cfg.BaselineDescription = c.BaselineDescription
	}
	return cfg, cfg.Validate()
}

func parseTarget(s string) (migrate.VersionKey, error) {
	switch s {
	case "latest":
		return migrate.Latest, nil
	case "current":
		return migrate.Current, nil
	default:
		return migrate.ParseVersion(s)
	}
}

func newLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if format == "text" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(lvl).With().Timestamp().Logger()
}
