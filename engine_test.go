package migrate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory MetadataStore used to exercise Engine without
// a real database backend.
type fakeStore struct {
	mu       sync.Mutex
	existsV  bool
	entries  []AppliedEntry
	nextRank int64
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func (s *fakeStore) Exists(ctx context.Context) (bool, error) { return s.existsV, nil }
func (s *fakeStore) CreateIfAbsent(ctx context.Context) error { s.existsV = true; return nil }
func (s *fakeStore) UpgradeIfNecessary(ctx context.Context) (bool, error) { return false, nil }

func (s *fakeStore) Lock(ctx context.Context, action func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action(ctx)
}

func (s *fakeStore) AllApplied(ctx context.Context) ([]AppliedEntry, error) {
	out := make([]AppliedEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *fakeStore) Append(ctx context.Context, entry AppliedEntry) (AppliedEntry, error) {
	if entry.Kind == KindVersioned {
		for _, e := range s.entries {
			if e.Identity() == entry.Identity() && e.Success {
				return AppliedEntry{}, newError(ErrBackendError, "conflict: duplicate successful entry")
			}
		}
	}
	s.nextRank++
	entry.InstallRank = s.nextRank
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *fakeStore) AddSchemaMarker(ctx context.Context, schemas []string) error {
	for _, e := range s.entries {
		if e.Kind == KindSchemaMarker {
			return nil
		}
	}
	s.nextRank++
	s.entries = append(s.entries, AppliedEntry{InstallRank: s.nextRank, Kind: KindSchemaMarker, Success: true})
	return nil
}

func (s *fakeStore) AddBaselineMarker(ctx context.Context, version VersionKey, description string) error {
	has, _ := s.HasBaselineMarker(ctx)
	if has {
		return newError(ErrAlreadyBaselined, "already baselined")
	}
	hasHist, _ := s.HasAppliedMigrations(ctx)
	if hasHist {
		return newError(ErrNonEmptyHistory, "non-empty history")
	}
	s.nextRank++
	s.entries = append(s.entries, AppliedEntry{InstallRank: s.nextRank, Kind: KindBaseline, Version: version, Description: description, Success: true})
	return nil
}

func (s *fakeStore) RemoveFailed(ctx context.Context) error {
	var out []AppliedEntry
	for _, e := range s.entries {
		if e.Success {
			out = append(out, e)
		}
	}
	s.entries = out
	return nil
}

func (s *fakeStore) UpdateChecksum(ctx context.Context, id DescriptorIdentity, checksum Checksum) error {
	for i := range s.entries {
		if s.entries[i].Identity() == id {
			s.entries[i].Checksum = &checksum
		}
	}
	return nil
}

func (s *fakeStore) HasSchemasMarker(ctx context.Context) (bool, error) {
	for _, e := range s.entries {
		if e.Kind == KindSchemaMarker {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) HasBaselineMarker(ctx context.Context) (bool, error) {
	for _, e := range s.entries {
		if e.Kind == KindBaseline {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) HasAppliedMigrations(ctx context.Context) (bool, error) {
	for _, e := range s.entries {
		if (e.Kind == KindVersioned || e.Kind == KindRepeatable) && e.Success {
			return true, nil
		}
	}
	return false, nil
}

// fakeBackend is an in-memory Backend stub.
type fakeBackend struct {
	empty         bool
	transactional bool
	failOn        string
	executed      []string
}

func (b *fakeBackend) ExecuteScript(ctx context.Context, script string) error {
	b.executed = append(b.executed, script)
	if b.failOn != "" && script == b.failOn {
		return newError(ErrBackendError, "simulated execution failure")
	}
	return nil
}
func (b *fakeBackend) EnumerateSchemas(ctx context.Context) ([]string, error) { return nil, nil }
func (b *fakeBackend) DropSchema(ctx context.Context, schema string) error    { return nil }
func (b *fakeBackend) IsEmpty(ctx context.Context) (bool, error)              { return b.empty, nil }
func (b *fakeBackend) AdvisoryLock(ctx context.Context, key int64) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
func (b *fakeBackend) Close() error          { return nil }
func (b *fakeBackend) Transactional() bool   { return b.transactional }

func descriptorFor(version, description, script string) MigrationDescriptor {
	checksum := ComputeChecksumString(script)
	kind := KindVersioned
	v := Empty
	if version == "" {
		kind = KindRepeatable
	} else {
		v = MustParseVersion(version)
	}
	return MigrationDescriptor{
		Version:     v,
		Description: description,
		Kind:        kind,
		ScriptID:    NewScriptID(),
		Checksum:    &checksum,
		LoadScript:  func(ctx context.Context) (string, error) { return script, nil },
	}
}

func newTestEngine(cfg Configuration, backend Backend, store MetadataStore, descriptors ...MigrationDescriptor) *Engine {
	resolver := MigrationResolverFunc(func(ctx context.Context) ([]MigrationDescriptor, error) {
		return descriptors, nil
	})
	// A nil registerer gives each engine its own registry, so several
	// engines in one test process do not collide on metric names.
	cfg.MetricsRegisterer = nil
	return NewEngine(cfg, backend, store, true, resolver)
}

// S1: fresh migrate applies every descriptor, with strictly increasing
// ranks.
func TestEngineMigrateFresh(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: true}
	e := newTestEngine(cfg, backend, store,
		descriptorFor("1", "a", "CREATE TABLE a;"),
		descriptorFor("2", "b", "CREATE TABLE b;"),
		descriptorFor("", "c", "CREATE VIEW c;"),
	)

	n, err := e.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	applied, _ := store.AllApplied(context.Background())
	var ranks []int64
	for _, a := range applied {
		if a.Kind == KindVersioned || a.Kind == KindRepeatable {
			ranks = append(ranks, a.InstallRank)
		}
	}
	require.Len(t, ranks, 3)
	assert.True(t, ranks[0] < ranks[1] && ranks[1] < ranks[2])
}

// Property 3: running migrate twice in a row with no new descriptors
// applies zero the second time.
func TestEngineMigrateIdempotent(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: true}
	e := newTestEngine(cfg, backend, store, descriptorFor("1", "a", "CREATE TABLE a;"))

	n, err := e.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// S3: checksum drift fails validation and blocks migrate entirely.
func TestEngineMigrateBlockedByChecksumDrift(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.ValidateOnMigrate = true
	cfg.CleanOnValidationError = false
	store := newFakeStore()
	backend := &fakeBackend{empty: true}

	// First migrate with the original script.
	d := descriptorFor("1", "a", "CREATE TABLE a;")
	e := newTestEngine(cfg, backend, store, d)
	_, err := e.Migrate(context.Background())
	require.NoError(t, err)

	// Now the script body has drifted.
	drifted := descriptorFor("1", "a", "CREATE TABLE a (id INTEGER);")
	e2 := newTestEngine(cfg, backend, store, drifted)
	n, err := e2.Migrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrValidationFailed, kind)
}

// S4: non-empty database with no metadata fails unless baseline_on_migrate.
func TestEngineMigrateNonEmptyNoMetadata(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: false}
	e := newTestEngine(cfg, backend, store, descriptorFor("1", "a", "CREATE TABLE a;"))

	_, err := e.Migrate(context.Background())
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrNonEmptyNoMetadata, kind)

	cfg.BaselineOnMigrate = true
	store2 := newFakeStore()
	e2 := newTestEngine(cfg, backend, store2,
		descriptorFor("1", "a", "CREATE TABLE a;"),
		descriptorFor("2", "b", "CREATE TABLE b;"),
	)
	n, err := e2.Migrate(context.Background())
	require.NoError(t, err)
	// baseline_version defaults to 1: only version 2 is above baseline.
	assert.Equal(t, 1, n)

	hasBaseline, _ := store2.HasBaselineMarker(context.Background())
	assert.True(t, hasBaseline)
}

// A failing, non-transactional execution appends a failed entry and
// aborts the command with MIGRATION_FAILED.
func TestEngineMigrateFailureAppendsFailedEntry(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: true, failOn: "BOOM;"}
	e := newTestEngine(cfg, backend, store, descriptorFor("1", "a", "BOOM;"))

	n, err := e.Migrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrMigrationFailed, kind)

	applied, _ := store.AllApplied(context.Background())
	var sawFailed bool
	for _, a := range applied {
		if a.Kind == KindVersioned && !a.Success {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed, "non-transactional backend must record the failed attempt")
}

// Transactional backends never append on failure (DESIGN.md open
// question decision).
func TestEngineMigrateTransactionalFailureDoesNotAppend(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: true, failOn: "BOOM;", transactional: true}
	e := newTestEngine(cfg, backend, store, descriptorFor("1", "a", "BOOM;"))

	_, err := e.Migrate(context.Background())
	require.Error(t, err)

	applied, _ := store.AllApplied(context.Background())
	for _, a := range applied {
		assert.NotEqual(t, KindVersioned, a.Kind, "transactional backend must not leave a trace on failure")
	}
}

func TestEngineRepairRemovesFailedAndFixesChecksums(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: true}
	d := descriptorFor("1", "a", "CREATE TABLE a;")
	e := newTestEngine(cfg, backend, store, d)
	_, err := e.Migrate(context.Background())
	require.NoError(t, err)

	// Inject a stale failed entry and a drifted checksum directly.
	store.entries = append(store.entries, AppliedEntry{InstallRank: 999, Kind: KindVersioned, Version: MustParseVersion("2"), Description: "broken", Success: false})
	stale := Checksum(0)
	for i := range store.entries {
		if store.entries[i].Kind == KindVersioned && store.entries[i].Description == "a" {
			store.entries[i].Checksum = &stale
		}
	}

	require.NoError(t, e.Repair(context.Background()))

	applied, _ := store.AllApplied(context.Background())
	for _, a := range applied {
		assert.True(t, a.Success, "repair must remove failed entries")
	}
	for _, a := range applied {
		if a.Kind == KindVersioned && a.Description == "a" {
			require.NotNil(t, a.Checksum)
			assert.Equal(t, *d.Checksum, *a.Checksum)
		}
	}
}

func TestEngineValidateTreatsPendingAsFailure(t *testing.T) {
	cfg := DefaultConfiguration()
	store := newFakeStore()
	backend := &fakeBackend{empty: true}
	e := newTestEngine(cfg, backend, store, descriptorFor("1", "a", "CREATE TABLE a;"))

	err := e.Validate(context.Background())
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrValidationFailed, kind)
}

func TestEngineCleanDisabled(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.CleanDisabled = true
	store := newFakeStore()
	backend := &fakeBackend{empty: true}
	e := newTestEngine(cfg, backend, store)

	err := e.Clean(context.Background())
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrCleanDisabled, kind)
}
