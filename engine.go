package migrate

import (
	"context"
	"os/user"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const engineVersion = "1.0.0"

// Engine is the command dispatcher spec.md §4.7 calls "Executor": it
// runs each lifecycle command (migrate, validate, info, baseline,
// clean, repair) under the metadata store's lock, dispatching callbacks
// around every phase.
type Engine struct {
	cfg      Configuration
	backend  Backend
	store    MetadataStore
	resolver MigrationResolver
	bus      *CallbackBus
	info     *InfoService
	validate *Validator

	ownsBackend bool

	metricsApplied  prometheus.Counter
	metricsDuration prometheus.Histogram
	metricsFailed   prometheus.Counter
}

// NewEngine constructs an Engine. ownsBackend controls whether Close
// closes the backend: true when the engine (or its caller, on the
// engine's behalf) created the connection from a URI; false when the
// caller supplied an existing client it still owns.
func NewEngine(cfg Configuration, backend Backend, store MetadataStore, ownsBackend bool, defaultResolvers ...MigrationResolver) *Engine {
	reg := cfg.MetricsRegisterer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Engine{
		cfg:         cfg,
		backend:     backend,
		store:       store,
		resolver:    NewCompositeResolver(cfg, defaultResolvers...),
		bus:         NewCallbackBus(cfg),
		info:        NewInfoService(cfg),
		validate:    NewValidator(cfg),
		ownsBackend: ownsBackend,
		metricsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "dbmigrate_migrations_applied_total",
			Help: "Number of migrations successfully applied.",
		}),
		metricsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dbmigrate_migrations_failed_total",
			Help: "Number of migration attempts that failed.",
		}),
		metricsDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbmigrate_migration_duration_seconds",
			Help:    "Duration of individual migration script executions.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Close releases the backend if the engine owns it.
func (e *Engine) Close() error {
	if e.ownsBackend {
		return e.backend.Close()
	}
	return nil
}

// envelope performs the common setup every command shares (spec.md §4.7):
// banner, connectivity check, ensuring the metadata collection exists,
// and triggering a format upgrade plus checksum repair when needed. The
// command-specific body then runs under the metadata store's lock.
func (e *Engine) envelope(ctx context.Context, body func(ctx context.Context) error) error {
	e.cfg.Logger.Info().Str("version", engineVersion).Msg("dbmigrate")

	if e.backend == nil || e.store == nil {
		return newError(ErrNotConfigured, "no backend connection configured")
	}

	exists, err := e.store.Exists(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "checking metadata collection existence")
	}
	if !exists {
		if err := e.store.CreateIfAbsent(ctx); err != nil {
			return wrapError(ErrBackendError, err, "creating metadata collection")
		}
	}

	upgraded, err := e.store.UpgradeIfNecessary(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "upgrading metadata collection layout")
	}
	if upgraded {
		e.cfg.Logger.Warn().Msg("metadata collection layout upgraded; recomputing checksums")
		if err := e.repairChecksums(ctx); err != nil {
			return err
		}
	}

	return e.store.Lock(ctx, body)
}

func (e *Engine) installedBy() string {
	if e.cfg.InstalledByOverride != "" {
		return e.cfg.InstalledByOverride
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func (e *Engine) fire(ctx context.Context, evt Event, d *MigrationDescriptor) error {
	return e.bus.Fire(ctx, CallbackContext{Event: evt, Config: e.cfg, Descriptor: d})
}

func (e *Engine) resolveAndJoin(ctx context.Context) ([]MigrationDescriptor, []InfoRow, error) {
	descriptors, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range descriptors {
		if err := d.Validate(e.cfg.Separator); err != nil {
			return nil, nil, err
		}
	}
	applied, err := e.store.AllApplied(ctx)
	if err != nil {
		return nil, nil, wrapError(ErrBackendError, err, "reading applied migrations")
	}
	rows, err := e.info.Build(ctx, descriptors, applied)
	if err != nil {
		return nil, nil, err
	}
	return descriptors, rows, nil
}

// Migrate applies pending migrations in order and returns the count
// successfully applied. See spec.md §4.7.
func (e *Engine) Migrate(ctx context.Context) (int, error) {
	applied := 0
	err := e.envelope(ctx, func(ctx context.Context) error {
		if err := e.fire(ctx, EventBeforeMigrate, nil); err != nil {
			return err
		}

		if e.cfg.ValidateOnMigrate {
			if err := e.runValidation(ctx, false); err != nil {
				if e.cfg.CleanOnValidationError {
					if cerr := e.runClean(ctx); cerr != nil {
						return cerr
					}
				} else {
					return err
				}
			}
		}

		if err := e.ensureBaselineOrEmpty(ctx); err != nil {
			return err
		}

		descriptors, rows, err := e.resolveAndJoin(ctx)
		if err != nil {
			return err
		}

		toApply := pendingDescriptors(descriptors, rows)

		for i := range toApply {
			d := toApply[i]
			if err := e.fire(ctx, EventBeforeEachMigrate, &d); err != nil {
				return err
			}

			start := time.Now()
			var execErr error
			if d.LoadScript == nil {
				execErr = newErrorf(ErrBackendError, "descriptor %s has no loadable script", describeIdentity(d))
			} else {
				body, lerr := d.LoadScript(ctx)
				if lerr != nil {
					execErr = wrapError(ErrLocationUnreadable, lerr, "loading migration script body")
				} else {
					execErr = e.backend.ExecuteScript(ctx, body)
				}
			}
			elapsed := time.Since(start)
			e.metricsDuration.Observe(elapsed.Seconds())

			entry := AppliedEntry{
				Version:       d.Version,
				Description:   d.Description,
				Kind:          d.Kind,
				ScriptID:      d.ScriptID,
				Checksum:      d.Checksum,
				InstalledBy:   e.installedBy(),
				InstalledAt:   start,
				ExecutionTime: elapsed,
				Success:       execErr == nil,
			}

			if execErr == nil {
				if _, err := e.store.Append(ctx, entry); err != nil {
					return wrapError(ErrBackendError, err, "recording successful migration")
				}
				applied++
				e.metricsApplied.Inc()
				if err := e.fire(ctx, EventAfterEachMigrate, &d); err != nil {
					return err
				}
				continue
			}

			e.metricsFailed.Inc()
			e.cfg.Logger.Error().Err(execErr).Str("version", d.Version.String()).Str("description", d.Description).Msg("migration failed")
			if !e.backend.Transactional() {
				if _, appendErr := e.store.Append(ctx, entry); appendErr != nil {
					return wrapError(ErrBackendError, appendErr, "recording failed migration")
				}
			}
			return wrapError(ErrMigrationFailed, execErr, "migration failed: "+describeIdentity(d))
		}

		return e.fire(ctx, EventAfterMigrate, nil)
	})
	return applied, err
}

// pendingDescriptors extracts, in apply order, the descriptors whose
// InfoRow is eligible to run: PENDING or OUT_OF_ORDER for any kind, plus
// OUTDATED for REPEATABLE only (spec.md §4.7).
func pendingDescriptors(descriptors []MigrationDescriptor, rows []InfoRow) []MigrationDescriptor {
	byIdentity := map[DescriptorIdentity]State{}
	for _, r := range rows {
		if r.Descriptor != nil {
			byIdentity[r.Descriptor.Identity()] = r.State
		}
	}
	var out []MigrationDescriptor
	for _, d := range descriptors {
		st, ok := byIdentity[d.Identity()]
		if !ok {
			continue
		}
		switch st {
		case StatePending, StateOutOfOrder:
			out = append(out, d)
		case StateOutdated:
			if d.Kind == KindRepeatable {
				out = append(out, d)
			}
		}
	}
	SortDescriptors(out)
	return out
}

// ensureBaselineOrEmpty implements spec.md §4.7's migrate precondition:
// the SchemaMarker is recorded here, the first time migrate ever runs
// against an empty database, rather than in the shared envelope — so
// Clean's "did the engine create this" signal only fires for databases
// the engine actually initialized from empty, never for ones it merely
// baselined on top of pre-existing data.
func (e *Engine) ensureBaselineOrEmpty(ctx context.Context) error {
	hasSchema, err := e.store.HasSchemasMarker(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "checking schema marker")
	}
	hasBaseline, err := e.store.HasBaselineMarker(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "checking baseline marker")
	}
	hasApplied, err := e.store.HasAppliedMigrations(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "checking applied migrations")
	}
	if hasSchema || hasBaseline || hasApplied {
		return nil
	}

	empty, err := e.backend.IsEmpty(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "checking whether target database is empty")
	}
	if empty {
		schemas, err := e.backend.EnumerateSchemas(ctx)
		if err != nil {
			return wrapError(ErrBackendError, err, "enumerating schemas for schema marker")
		}
		if err := e.store.AddSchemaMarker(ctx, schemas); err != nil {
			return wrapError(ErrBackendError, err, "recording schema marker")
		}
		return nil
	}
	if e.cfg.BaselineOnMigrate {
		return e.AddBaseline(ctx)
	}
	return newError(ErrNonEmptyNoMetadata, "target database is non-empty but has no migration metadata; enable baseline_on_migrate or baseline manually")
}

// AddBaseline appends the configured baseline marker. Exposed so Migrate
// and Baseline share one implementation.
func (e *Engine) AddBaseline(ctx context.Context) error {
	return e.store.AddBaselineMarker(ctx, e.cfg.BaselineVersion, e.cfg.BaselineDescription)
}

func (e *Engine) runValidation(ctx context.Context, pendingNotOK bool) error {
	_, rows, err := e.resolveAndJoin(ctx)
	if err != nil {
		return err
	}
	if err := e.validate.Validate(rows, pendingNotOK); err != nil {
		e.cfg.Logger.Error().Err(err).Msg("validation failed")
		return wrapError(ErrValidationFailed, err, "validation failed")
	}
	return nil
}

// Validate runs the validator with pending treated as a failure
// (spec.md §4.7 "validate" command body).
func (e *Engine) Validate(ctx context.Context) error {
	return e.envelope(ctx, func(ctx context.Context) error {
		if err := e.fire(ctx, EventBeforeValidate, nil); err != nil {
			return err
		}
		if err := e.runValidation(ctx, true); err != nil {
			if e.cfg.CleanOnValidationError {
				return e.runClean(ctx)
			}
			return err
		}
		return e.fire(ctx, EventAfterValidate, nil)
	})
}

// Info builds and returns the current reconciliation view.
func (e *Engine) Info(ctx context.Context) ([]InfoRow, error) {
	var rows []InfoRow
	err := e.envelope(ctx, func(ctx context.Context) error {
		if err := e.fire(ctx, EventBeforeInfo, nil); err != nil {
			return err
		}
		var err error
		_, rows, err = e.resolveAndJoin(ctx)
		if err != nil {
			return err
		}
		return e.fire(ctx, EventAfterInfo, nil)
	})
	return rows, err
}

// Baseline records the configured baseline marker (spec.md §4.7).
func (e *Engine) Baseline(ctx context.Context) error {
	return e.envelope(ctx, func(ctx context.Context) error {
		if err := e.fire(ctx, EventBeforeBaseline, nil); err != nil {
			return err
		}
		if err := e.AddBaseline(ctx); err != nil {
			return err
		}
		return e.fire(ctx, EventAfterBaseline, nil)
	})
}

func (e *Engine) runClean(ctx context.Context) error {
	if e.cfg.CleanDisabled {
		return newError(ErrCleanDisabled, "clean is disabled by configuration")
	}
	if err := e.fire(ctx, EventBeforeClean, nil); err != nil {
		return err
	}
	schemas, err := e.store.HasSchemasMarker(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "checking schema marker before clean")
	}
	var toDrop []string
	if schemas {
		toDrop, err = e.backend.EnumerateSchemas(ctx)
		if err != nil {
			return wrapError(ErrBackendError, err, "enumerating schemas to clean")
		}
	}
	for _, s := range toDrop {
		if err := e.backend.DropSchema(ctx, s); err != nil {
			return wrapError(ErrBackendError, err, "dropping schema "+s)
		}
	}
	return e.fire(ctx, EventAfterClean, nil)
}

// Clean drops the objects the engine created (spec.md §4.7).
func (e *Engine) Clean(ctx context.Context) error {
	return e.envelope(ctx, func(ctx context.Context) error {
		return e.runClean(ctx)
	})
}

func (e *Engine) repairChecksums(ctx context.Context) error {
	if err := e.store.RemoveFailed(ctx); err != nil {
		return wrapError(ErrBackendError, err, "removing failed entries")
	}
	descriptors, err := e.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	byIdentity := map[DescriptorIdentity]MigrationDescriptor{}
	for _, d := range descriptors {
		byIdentity[d.Identity()] = d
	}
	entries, err := e.store.AllApplied(ctx)
	if err != nil {
		return wrapError(ErrBackendError, err, "reading applied migrations for repair")
	}
	for _, entry := range entries {
		d, ok := byIdentity[entry.Identity()]
		if !ok || d.Checksum == nil {
			continue
		}
		if entry.Checksum == nil || *entry.Checksum != *d.Checksum {
			if err := e.store.UpdateChecksum(ctx, entry.Identity(), *d.Checksum); err != nil {
				return wrapError(ErrBackendError, err, "updating checksum during repair")
			}
		}
	}
	return nil
}

// Repair removes failed entries and recomputes checksums of remaining
// entries from the current resolver output (spec.md §4.7).
func (e *Engine) Repair(ctx context.Context) error {
	return e.envelope(ctx, func(ctx context.Context) error {
		if err := e.fire(ctx, EventBeforeRepair, nil); err != nil {
			return err
		}
		if err := e.repairChecksums(ctx); err != nil {
			return err
		}
		return e.fire(ctx, EventAfterRepair, nil)
	})
}
