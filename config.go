package migrate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Configuration is the immutable parameter bundle every other component
// reads from. It is constructed once per engine instance; no component
// mutates it after construction.
type Configuration struct {
	Locations    []string
	Encoding     string
	MetadataTable string

	Target VersionKey

	VersionedPrefix  string
	RepeatablePrefix string
	Separator        string
	VersionedSuffix  string
	RepeatableSuffix string

	IgnoreFuture         bool
	ValidateOnMigrate    bool
	CleanOnValidationError bool
	CleanDisabled        bool

	BaselineVersion     VersionKey
	BaselineDescription string
	BaselineOnMigrate   bool

	OutOfOrder bool
	AllowMixed bool

	SkipDefaultCallbacks bool
	SkipDefaultResolvers bool
	CustomResolvers      []MigrationResolver
	CustomCallbacks      []Callback

	InstalledByOverride string

	// Ambient plumbing (SPEC_FULL.md §3): not migration policy, just what
	// a real running engine needs to talk to the outside world.
	Logger            zerolog.Logger
	MetricsRegisterer prometheus.Registerer
	LockRetryBackoff  retry.Backoff
	LockTimeout       time.Duration
}

// DefaultConfiguration returns a Configuration populated with the
// defaults spec.md §3 specifies. Callers should start from this and
// override only what they need.
func DefaultConfiguration() Configuration {
	return Configuration{
		Encoding:               "UTF-8",
		MetadataTable:          "schema_migrations",
		Target:                 Latest,
		VersionedPrefix:        "V",
		RepeatablePrefix:       "R",
		Separator:              "__",
		VersionedSuffix:        ".sql",
		RepeatableSuffix:       ".sql",
		IgnoreFuture:           true,
		ValidateOnMigrate:      true,
		CleanOnValidationError: false,
		CleanDisabled:          false,
		BaselineVersion:        MustParseVersion("1"),
		BaselineDescription:    "<< Baseline >>",
		BaselineOnMigrate:      false,
		OutOfOrder:             false,
		AllowMixed:             false,
		Logger:                 zerolog.Nop(),
		MetricsRegisterer:      prometheus.DefaultRegisterer,
		LockRetryBackoff:       retry.NewExponential(100 * time.Millisecond),
		LockTimeout:            0,
	}
}

// Validate checks the configuration invariants spec.md §6 requires
// ("Empty separator rejected as INVALID_CONFIG").
func (c Configuration) Validate() error {
	if c.Separator == "" {
		return newError(ErrInvalidConfig, "separator must be non-empty")
	}
	if c.MetadataTable == "" {
		return newError(ErrInvalidConfig, "metadata_table must be non-empty")
	}
	if c.BaselineDescription == "" {
		return newError(ErrInvalidConfig, "baseline_description must be non-empty")
	}
	return nil
}
