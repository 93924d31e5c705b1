package migrate

import "context"

// Backend is the capability set a storage technology must expose for the
// engine to execute scripts and enforce mutual exclusion against it
// (spec.md §9 design notes: "model backends as a capability set"). It is
// deliberately small: everything else the engine needs is expressed
// against MetadataStore, which backends also implement.
type Backend interface {
	// ExecuteScript runs a migration script's body against the target
	// database. Transactional backends wrap this in a transaction;
	// non-transactional backends execute it statement-by-statement.
	ExecuteScript(ctx context.Context, script string) error

	// EnumerateSchemas lists the schemas/collections visible to the
	// current connection, used by Clean.
	EnumerateSchemas(ctx context.Context) ([]string, error)

	// DropSchema drops a single schema/collection by name.
	DropSchema(ctx context.Context, schema string) error

	// IsEmpty reports whether the target database has no user objects,
	// used by Migrate's baseline-on-migrate decision (spec.md §4.7).
	IsEmpty(ctx context.Context) (bool, error)

	// AdvisoryLock acquires a backend-native or emulated exclusive lock
	// identified by key, blocking until the lock is obtained, ctx is
	// done, or the backend's own retry policy gives up. The returned unlock function must be safe to call
	// exactly once, on every exit path.
	AdvisoryLock(ctx context.Context, key int64) (unlock func(context.Context) error, err error)

	// Close releases backend resources the engine itself created. A
	// backend the caller supplied is never closed by the engine.
	Close() error

	// Transactional reports whether ExecuteScript already wraps a
	// migration in a transaction that rolls back cleanly on failure. The
	// Engine uses this to decide whether a failed attempt must be
	// recorded (non-transactional backends cannot "undo" a partial
	// script) or can simply be dropped (spec.md §9 open question).
	Transactional() bool
}

// MetadataStore is the persistent ordered log of applied migrations,
// with the exclusive lock primitive, schema/baseline markers, and
// schema upgrade of its own format (spec.md §4.4).
type MetadataStore interface {
	Exists(ctx context.Context) (bool, error)
	CreateIfAbsent(ctx context.Context) error

	// UpgradeIfNecessary migrates rows from a legacy layout to the
	// current one, returning true iff an upgrade was performed. After a
	// successful upgrade, the caller (Engine) is responsible for
	// triggering repair to recompute checksums.
	UpgradeIfNecessary(ctx context.Context) (bool, error)

	// Lock acquires an exclusive advisory lock scoped to this store, runs
	// action, and releases the lock on every exit path of action,
	// including a panic. The lock is not reentrant: a Lock call made on
	// the same store from inside action waits for the lock the outer call
	// still holds, and fails with ErrLockTimeout where the backend's
	// acquisition gives up.
	Lock(ctx context.Context, action func(ctx context.Context) error) error

	AllApplied(ctx context.Context) ([]AppliedEntry, error)

	// Append atomically assigns InstallRank and records entry. It fails
	// with ErrBackendError wrapping a conflict indicator if identity
	// would duplicate an existing successful VERSIONED entry.
	Append(ctx context.Context, entry AppliedEntry) (AppliedEntry, error)

	AddSchemaMarker(ctx context.Context, schemas []string) error

	// AddBaselineMarker appends a BaselineMarker. Fails ErrAlreadyBaselined
	// if one is already present, ErrNonEmptyHistory if successful
	// non-baseline entries already exist.
	AddBaselineMarker(ctx context.Context, version VersionKey, description string) error

	RemoveFailed(ctx context.Context) error
	UpdateChecksum(ctx context.Context, id DescriptorIdentity, checksum Checksum) error

	HasSchemasMarker(ctx context.Context) (bool, error)
	HasBaselineMarker(ctx context.Context) (bool, error)
	HasAppliedMigrations(ctx context.Context) (bool, error)
}
