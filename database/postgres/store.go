// Package postgres implements dbmigrate's Backend and MetadataStore
// contracts over github.com/jackc/pgx/v5. Its advisory-lock acquisition
// is grounded directly on the teradata-labs-loom Postgres migrator
// (pg_advisory_lock/pg_advisory_unlock around a fixed key), generalized
// here to a per-table key and script execution inside a transaction, so
// Transactional reports true and the engine never has to append a
// failed attempt (spec.md §9 open question).
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	migrate "github.com/cognicraft/dbmigrate"
)

// Store implements both migrate.Backend and migrate.MetadataStore over a
// pgxpool.Pool.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var (
	_ migrate.Backend       = (*Store)(nil)
	_ migrate.MetadataStore = (*Store)(nil)
)

// Open connects to dsn with pgxpool and returns a Store whose metadata
// lives in table.
func Open(ctx context.Context, dsn string, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// New wraps an already-constructed pool, for callers that manage pool
// lifecycle themselves (the engine will not close it).
func New(pool *pgxpool.Pool, table string) *Store {
	return &Store{pool: pool, table: table}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Transactional() bool { return true }

// ExecuteScript wraps script in its own transaction, committing on
// success and rolling back cleanly on failure — this is what makes
// Transactional report true: a failed script never leaves a partial
// schema change behind, so the engine has nothing to undo. pgx's simple
// protocol accepts a multi-statement body in a single Exec, so no
// client-side statement splitter is needed the way SQLite's driver
// requires one.
func (s *Store) ExecuteScript(ctx context.Context, script string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return migrate.WrapError(migrate.ErrBackendError, err, "beginning migration transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if _, err := tx.Exec(ctx, script); err != nil {
		return migrate.WrapError(migrate.ErrBackendError, err, "executing script")
	}
	return tx.Commit(ctx)
}

func (s *Store) EnumerateSchemas(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		  AND schema_name NOT LIKE 'pg_temp_%' AND schema_name NOT LIKE 'pg_toast_temp_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) DropSchema(ctx context.Context, schema string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema))
	return err
}

func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	schemas, err := s.EnumerateSchemas(ctx)
	if err != nil {
		return false, err
	}
	if len(schemas) == 0 {
		return true, nil
	}
	// "public" always exists in a fresh database; it only counts as
	// non-empty once it holds user objects other than the metadata table.
	if len(schemas) == 1 && schemas[0] == "public" {
		var count int
		err := s.pool.QueryRow(ctx, `SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name <> $1`, s.table).Scan(&count)
		if err != nil {
			return false, err
		}
		return count == 0, nil
	}
	return false, nil
}

// advisoryLockID derives the migrationAdvisoryLockID the loom migrator
// hardcodes, as a stable per-table key instead of a single constant so
// distinct metadata tables never contend with one another.
func advisoryLockID(table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(table))
	v := int64(h.Sum64())
	if v < 0 {
		v = -v
	}
	return v
}

func (s *Store) AdvisoryLock(ctx context.Context, key int64) (func(context.Context) error, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, migrate.WrapError(migrate.ErrLockTimeout, err, "failed to acquire advisory lock")
	}
	unlock := func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)
		return err
	}
	return unlock, nil
}

func (s *Store) Lock(ctx context.Context, action func(ctx context.Context) error) error {
	unlock, err := s.AdvisoryLock(ctx, advisoryLockID(s.table))
	if err != nil {
		return err
	}
	defer unlock(ctx) //nolint:errcheck
	return action(ctx)
}

func (s *Store) Exists(ctx context.Context) (bool, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT to_regclass($1)::text`, s.table).Scan(&name)
	if err != nil {
		return false, err
	}
	return name != "", nil
}

func (s *Store) CreateIfAbsent(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
  installed_rank BIGSERIAL PRIMARY KEY,
  version TEXT,
  description TEXT NOT NULL,
  type TEXT NOT NULL,
  script TEXT NOT NULL,
  checksum BIGINT,
  installed_by TEXT NOT NULL,
  installed_on TIMESTAMPTZ NOT NULL,
  execution_time BIGINT NOT NULL,
  success BOOLEAN NOT NULL
)`, s.table))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (installed_rank)`,
		s.table+"_installed_rank_idx", s.table))
	return err
}

func (s *Store) UpgradeIfNecessary(ctx context.Context) (bool, error) {
	var hasChecksum bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = 'checksum'
		)`, s.table).Scan(&hasChecksum)
	if err != nil {
		return false, err
	}
	if hasChecksum {
		return false, nil
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %q ADD COLUMN checksum BIGINT`, s.table)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AllApplied(ctx context.Context) ([]migrate.AppliedEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT installed_rank, version, description, type, script, checksum, installed_by, installed_on, execution_time, success
		 FROM %q ORDER BY installed_rank ASC`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []migrate.AppliedEntry
	for rows.Next() {
		var (
			rank          int64
			version       *string
			description   string
			kind          string
			script        string
			checksum      *int64
			installedBy   string
			installedOn   time.Time
			executionTime int64
			success       bool
		)
		if err := rows.Scan(&rank, &version, &description, &kind, &script, &checksum, &installedBy, &installedOn, &executionTime, &success); err != nil {
			return nil, err
		}
		v := migrate.Empty
		if version != nil && *version != "" {
			parsed, err := migrate.ParseVersion(*version)
			if err != nil {
				return nil, err
			}
			v = parsed
		}
		var cs *migrate.Checksum
		if checksum != nil {
			c := migrate.Checksum(int32(*checksum))
			cs = &c
		}
		out = append(out, migrate.AppliedEntry{
			InstallRank:   rank,
			Version:       v,
			Description:   description,
			Kind:          migrate.Kind(kind),
			ScriptID:      script,
			Checksum:      cs,
			InstalledBy:   installedBy,
			InstalledAt:   installedOn,
			ExecutionTime: time.Duration(executionTime) * time.Millisecond,
			Success:       success,
		})
	}
	return out, rows.Err()
}

func (s *Store) Append(ctx context.Context, entry migrate.AppliedEntry) (migrate.AppliedEntry, error) {
	if entry.Kind == migrate.KindVersioned {
		var count int
		err := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT count(*) FROM %q WHERE type = $1 AND version = $2 AND description = $3 AND success`, s.table),
			string(migrate.KindVersioned), entry.Version.String(), entry.Description).Scan(&count)
		if err != nil {
			return migrate.AppliedEntry{}, err
		}
		if count > 0 {
			return migrate.AppliedEntry{}, migrate.NewErrorf(migrate.ErrBackendError,
				"conflict: %s %s already has a successful entry", entry.Version, entry.Description)
		}
	}

	var checksum any
	if entry.Checksum != nil {
		checksum = int64(*entry.Checksum)
	}
	var versionStr any
	if entry.Version.IsReal() {
		versionStr = entry.Version.String()
	}

	var rank int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %q (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING installed_rank`, s.table),
		versionStr, entry.Description, string(entry.Kind), entry.ScriptID, checksum,
		entry.InstalledBy, entry.InstalledAt.UTC(), entry.ExecutionTime.Milliseconds(), entry.Success).Scan(&rank)
	if err != nil {
		return migrate.AppliedEntry{}, err
	}
	entry.InstallRank = rank
	return entry, nil
}

func (s *Store) AddSchemaMarker(ctx context.Context, schemas []string) error {
	has, err := s.HasSchemasMarker(ctx)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %q (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		VALUES (NULL, $1, $2, '', NULL, 'dbmigrate', now(), 0, true)`, s.table),
		strings.Join(schemas, ","), string(migrate.KindSchemaMarker))
	return err
}

func (s *Store) AddBaselineMarker(ctx context.Context, version migrate.VersionKey, description string) error {
	has, err := s.HasBaselineMarker(ctx)
	if err != nil {
		return err
	}
	if has {
		return migrate.NewErrorf(migrate.ErrAlreadyBaselined, "table %s already has a baseline marker", s.table)
	}
	hasHistory, err := s.HasAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if hasHistory {
		return migrate.NewErrorf(migrate.ErrNonEmptyHistory, "table %s already has applied migration history", s.table)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %q (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		VALUES ($1, $2, $3, '', NULL, 'dbmigrate', now(), 0, true)`, s.table),
		version.String(), description, string(migrate.KindBaseline))
	return err
}

func (s *Store) RemoveFailed(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE NOT success`, s.table))
	return err
}

func (s *Store) UpdateChecksum(ctx context.Context, id migrate.DescriptorIdentity, checksum migrate.Checksum) error {
	versionStr := ""
	if id.Version.IsReal() {
		versionStr = id.Version.String()
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %q SET checksum = $1 WHERE installed_rank = (
			SELECT installed_rank FROM %q WHERE description = $2 AND (version = $3 OR ($3 = '' AND version IS NULL))
			ORDER BY installed_rank DESC LIMIT 1
		)`, s.table, s.table), int64(checksum), id.Description, versionStr)
	return err
}

func (s *Store) HasSchemasMarker(ctx context.Context) (bool, error) {
	return s.hasKind(ctx, migrate.KindSchemaMarker)
}

func (s *Store) HasBaselineMarker(ctx context.Context) (bool, error) {
	return s.hasKind(ctx, migrate.KindBaseline)
}

func (s *Store) hasKind(ctx context.Context, kind migrate.Kind) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %q WHERE type = $1`, s.table), string(kind)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) HasAppliedMigrations(ctx context.Context) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %q WHERE type IN ($1, $2) AND success`, s.table),
		string(migrate.KindVersioned), string(migrate.KindRepeatable)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
