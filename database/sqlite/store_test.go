package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migrate "github.com/cognicraft/dbmigrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "schema_migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateIfAbsent(context.Background()))
	return s
}

func TestStoreCreateIfAbsentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.CreateIfAbsent(ctx))
}

func TestStoreAppendAndAllApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cs := migrate.Checksum(42)
	entry := migrate.AppliedEntry{
		Version:       migrate.MustParseVersion("1"),
		Description:   "init",
		Kind:          migrate.KindVersioned,
		ScriptID:      "s1",
		Checksum:      &cs,
		InstalledBy:   "tester",
		InstalledAt:   time.Now().UTC(),
		ExecutionTime: 5 * time.Millisecond,
		Success:       true,
	}
	saved, err := s.Append(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.InstallRank)

	all, err := s.AllApplied(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "init", all[0].Description)
	require.NotNil(t, all[0].Checksum)
	assert.Equal(t, cs, *all[0].Checksum)
}

func TestStoreAppendConflictOnDuplicateSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := migrate.AppliedEntry{
		Version: migrate.MustParseVersion("1"), Description: "init",
		Kind: migrate.KindVersioned, Success: true, InstalledAt: time.Now().UTC(),
	}
	_, err := s.Append(ctx, entry)
	require.NoError(t, err)

	_, err = s.Append(ctx, entry)
	require.Error(t, err)
}

func TestStoreBaselineMarkerRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddBaselineMarker(ctx, migrate.MustParseVersion("1"), "<< Baseline >>"))

	has, err := s.HasBaselineMarker(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	err = s.AddBaselineMarker(ctx, migrate.MustParseVersion("2"), "<< Baseline >>")
	require.Error(t, err)
	kind, ok := migrate.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, migrate.ErrAlreadyBaselined, kind)
}

func TestStoreBaselineRejectedOnNonEmptyHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, migrate.AppliedEntry{
		Version: migrate.MustParseVersion("1"), Description: "init",
		Kind: migrate.KindVersioned, Success: true, InstalledAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	err = s.AddBaselineMarker(ctx, migrate.MustParseVersion("1"), "<< Baseline >>")
	require.Error(t, err)
	kind, _ := migrate.KindOf(err)
	assert.Equal(t, migrate.ErrNonEmptyHistory, kind)
}

func TestStoreRemoveFailedAndUpdateChecksum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, migrate.AppliedEntry{
		Version: migrate.MustParseVersion("1"), Description: "ok",
		Kind: migrate.KindVersioned, Success: true, InstalledAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, migrate.AppliedEntry{
		Version: migrate.MustParseVersion("2"), Description: "broken",
		Kind: migrate.KindVersioned, Success: false, InstalledAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.RemoveFailed(ctx))
	all, err := s.AllApplied(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Success)

	newChecksum := migrate.Checksum(7)
	require.NoError(t, s.UpdateChecksum(ctx, all[0].Identity(), newChecksum))

	all, err = s.AllApplied(ctx)
	require.NoError(t, err)
	require.NotNil(t, all[0].Checksum)
	assert.Equal(t, newChecksum, *all[0].Checksum)
}

func TestStoreExecuteScriptSplitsStatements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	script := "CREATE TABLE t1(id int);\nCREATE TABLE t2(id int);"
	require.NoError(t, s.ExecuteScript(ctx, script))

	schemas, err := s.EnumerateSchemas(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, schemas)
}

func TestStoreLockReleasedOnExit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ran bool
	err := s.Lock(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// The lock must be released on exit: a second acquisition must succeed.
	err = s.Lock(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestStoreIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty, "the metadata table itself is not a user object")

	s2, err := Open(":memory:", "schema_migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	empty, err = s2.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}
