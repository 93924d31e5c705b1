// Package sqlite implements dbmigrate's Backend and MetadataStore
// contracts over a pure-Go SQLite driver. It is the external
// collaborator spec.md §1 calls "the database driver used to read/write
// the metadata table and execute script bodies", adapted from the
// teacher's SQLiteSupport (table shape, RecordMigration/ListMigrations
// pattern) and its Statements/StatementBuilder script splitter.
package sqlite

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	migrate "github.com/cognicraft/dbmigrate"
)

// lockTableSuffix names the sentinel table used to emulate an advisory
// lock; SQLite has no native advisory-lock primitive.
const lockTableSuffix = "_lock"

// Store implements both migrate.Backend and migrate.MetadataStore
// against a single *sql.DB, matching the teacher's single-Support
// design but generalized to the full reconciliation contract.
type Store struct {
	db      *sql.DB
	table   string
	backoff retry.Backoff
}

// WithBackoff overrides the retry policy AdvisoryLock uses while another
// holder has the sentinel row, the way migrate.Configuration.LockRetryBackoff
// is threaded down from the CLI.
func (s *Store) WithBackoff(b retry.Backoff) *Store {
	s.backoff = b
	return s
}

var (
	_ migrate.Backend       = (*Store)(nil)
	_ migrate.MetadataStore = (*Store)(nil)
)

// Open opens a SQLite database at dsn (including ":memory:") and
// returns a Store backed by table as its metadata table name.
func Open(dsn string, table string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers anyway; avoids lock-table races across pooled conns
	return &Store{db: db, table: table, backoff: defaultBackoff()}, nil
}

// New wraps an already-open *sql.DB, for callers that manage the
// connection pool themselves (the engine will not close it).
func New(db *sql.DB, table string) *Store {
	return &Store{db: db, table: table, backoff: defaultBackoff()}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Transactional() bool { return false }

// ExecuteScript runs script statement-by-statement, reusing the
// teacher's CREATE TRIGGER-aware splitter (util.go in the teacher repo).
func (s *Store) ExecuteScript(ctx context.Context, script string) error {
	for _, stmt := range statements(script) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return migrate.WrapError(migrate.ErrBackendError, err, "executing statement")
		}
	}
	return nil
}

func (s *Store) EnumerateSchemas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' AND name != ? AND name != ?`,
		s.table, s.lockTable())
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
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, schema))
	return err
}

func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' AND name != ? AND name != ?`,
		s.table, s.lockTable()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (s *Store) lockTable() string { return s.table + lockTableSuffix }

// AdvisoryLock emulates a session-scoped exclusive lock with a sentinel
// row compare-and-set: acquiring means INSERTing the row, releasing
// means DELETEing it. A unique-constraint violation means another
// holder has it; AdvisoryLock retries the INSERT with s.backoff until it
// succeeds, the backoff gives up, or ctx is done, and reports the last
// two as ErrLockTimeout (spec.md §4.4 "a reasonable lease/TTL mechanism
// is acceptable").
func (s *Store) AdvisoryLock(ctx context.Context, key int64) (func(context.Context) error, error) {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS "%s" (lock_key INTEGER PRIMARY KEY, owner TEXT NOT NULL, acquired_at TEXT NOT NULL)`,
		s.lockTable())); err != nil {
		return nil, err
	}

	backoff := s.backoff
	if backoff == nil {
		backoff = defaultBackoff()
	}
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO "%s" (lock_key, owner, acquired_at) VALUES (?, ?, ?)`, s.lockTable()),
			key, "dbmigrate", time.Now().UTC().Format(time.RFC3339Nano))
		if err == nil {
			return nil
		}
		if isConstraintError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, migrate.WrapError(migrate.ErrLockTimeout, err, "lock acquisition timed out")
	}
	unlock := func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE lock_key = ?`, s.lockTable()), key)
		return err
	}
	return unlock, nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(50, retry.NewExponential(50*time.Millisecond))
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed")
}

func (s *Store) Lock(ctx context.Context, action func(ctx context.Context) error) error {
	unlock, err := s.AdvisoryLock(ctx, lockKeyFor(s.table))
	if err != nil {
		return err
	}
	defer unlock(ctx)
	return action(ctx)
}

// lockKeyFor derives a stable int64 key for a table name, the way the
// teradata-labs-loom Postgres migrator uses a fixed advisory-lock
// constant — here hashed from the table name so distinct metadata
// tables never contend with one another.
func lockKeyFor(table string) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis, truncated to fit int64
	for _, b := range []byte(table) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (s *Store) Exists(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, s.table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS "%s" (
  installed_rank INTEGER PRIMARY KEY AUTOINCREMENT,
  version TEXT,
  description TEXT NOT NULL,
  type TEXT NOT NULL,
  script TEXT NOT NULL,
  checksum INTEGER,
  installed_by TEXT NOT NULL,
  installed_on TEXT NOT NULL,
  execution_time INTEGER NOT NULL,
  success INTEGER NOT NULL
);`, s.table))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS "%s_installed_rank_idx" ON "%s" (installed_rank);`, s.table, s.table))
	return err
}

// UpgradeIfNecessary adds columns a legacy layout (predating the
// checksum column) lacks, with a conservative NULL default.
func (s *Store) UpgradeIfNecessary(ctx context.Context) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, s.table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	hasChecksum := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == "checksum" {
			hasChecksum = true
		}
	}
	if hasChecksum {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN checksum INTEGER`, s.table)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AllApplied(ctx context.Context) ([]migrate.AppliedEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT installed_rank, version, description, type, script, checksum, installed_by, installed_on, execution_time, success
		 FROM "%s" ORDER BY installed_rank ASC`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []migrate.AppliedEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (migrate.AppliedEntry, error) {
	var (
		rank          int64
		version       sql.NullString
		description   string
		kind          string
		script        string
		checksum      sql.NullInt64
		installedBy   string
		installedOn   string
		executionTime int64
		success       bool
	)
	if err := row.Scan(&rank, &version, &description, &kind, &script, &checksum, &installedBy, &installedOn, &executionTime, &success); err != nil {
		return migrate.AppliedEntry{}, err
	}
	var v migrate.VersionKey
	if version.Valid && version.String != "" {
		parsed, err := migrate.ParseVersion(version.String)
		if err != nil {
			return migrate.AppliedEntry{}, err
		}
		v = parsed
	} else {
		v = migrate.Empty
	}
	var cs *migrate.Checksum
	if checksum.Valid {
		c := migrate.Checksum(int32(checksum.Int64))
		cs = &c
	}
	installedAt, _ := time.Parse(time.RFC3339Nano, installedOn)
	return migrate.AppliedEntry{
		InstallRank:   rank,
		Version:       v,
		Description:   description,
		Kind:          migrate.Kind(kind),
		ScriptID:      script,
		Checksum:      cs,
		InstalledBy:   installedBy,
		InstalledAt:   installedAt,
		ExecutionTime: time.Duration(executionTime) * time.Millisecond,
		Success:       success,
	}, nil
}

func (s *Store) Append(ctx context.Context, entry migrate.AppliedEntry) (migrate.AppliedEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return migrate.AppliedEntry{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if entry.Kind == migrate.KindVersioned {
		var count int
		err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT count(*) FROM "%s" WHERE type = ? AND version = ? AND description = ? AND success = 1`, s.table),
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

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO "%s" (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
		versionStr, entry.Description, string(entry.Kind), entry.ScriptID, checksum,
		entry.InstalledBy, entry.InstalledAt.UTC().Format(time.RFC3339Nano),
		entry.ExecutionTime.Milliseconds(), entry.Success)
	if err != nil {
		return migrate.AppliedEntry{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return migrate.AppliedEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return migrate.AppliedEntry{}, err
	}
	entry.InstallRank = id
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
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO "%s" (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		 VALUES (NULL, ?, ?, '', NULL, 'dbmigrate', ?, 0, 1)`, s.table),
		strings.Join(schemas, ","), string(migrate.KindSchemaMarker), time.Now().UTC().Format(time.RFC3339Nano))
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
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO "%s" (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		 VALUES (?, ?, ?, '', NULL, 'dbmigrate', ?, 0, 1)`, s.table),
		version.String(), description, string(migrate.KindBaseline), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) RemoveFailed(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE success = 0`, s.table))
	return err
}

func (s *Store) UpdateChecksum(ctx context.Context, id migrate.DescriptorIdentity, checksum migrate.Checksum) error {
	versionStr := ""
	if id.Version.IsReal() {
		versionStr = id.Version.String()
	}
	query := fmt.Sprintf(
		`UPDATE "%s" SET checksum = ? WHERE installed_rank = (
			SELECT installed_rank FROM "%s" WHERE description = ? AND (version = ? OR (? = '' AND version IS NULL))
			ORDER BY installed_rank DESC LIMIT 1
		)`, s.table, s.table)
	_, err := s.db.ExecContext(ctx, query, int64(checksum), id.Description, versionStr, versionStr)
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
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM "%s" WHERE type = ?`, s.table), string(kind)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) HasAppliedMigrations(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM "%s" WHERE type IN (?, ?) AND success = 1`, s.table),
		string(migrate.KindVersioned), string(migrate.KindRepeatable)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// statements splits a SQL script into individual statements, preserving
// CREATE TRIGGER ... END; bodies intact. Adapted from the teacher's
// util.go (Statements/StatementBuilder).
func statements(script string) []string {
	var out []string
	b := newStatementBuilder()
	scanner := bufio.NewScanner(strings.NewReader(script))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.append(scanner.Text())
		if b.terminated {
			out = append(out, b.statement())
			b = newStatementBuilder()
		}
	}
	return out
}

var createTriggerRe = regexp.MustCompile(`(?i)CREATE( TEMP| TEMPORARY)? TRIGGER.*`)

type statementBuilder struct {
	createTrigger bool
	terminated    bool
	buf           *bytes.Buffer
}

func newStatementBuilder() *statementBuilder {
	return &statementBuilder{buf: &bytes.Buffer{}}
}

func (b *statementBuilder) append(line string) {
	line = strings.TrimSpace(line)
	if b.buf.Len() == 0 {
		b.createTrigger = createTriggerRe.MatchString(line)
	} else {
		b.buf.WriteString("\n")
	}
	b.buf.WriteString(line)
	if b.createTrigger {
		b.terminated = strings.HasSuffix(line, "END;")
	} else {
		b.terminated = strings.HasSuffix(line, ";")
	}
}

func (b *statementBuilder) statement() string { return b.buf.String() }
