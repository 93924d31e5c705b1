package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checksumPtr(n int32) *Checksum {
	c := Checksum(n)
	return &c
}

func stateOf(t *testing.T, rows []InfoRow, version, description string) InfoRow {
	t.Helper()
	for _, r := range rows {
		if r.Descriptor != nil && r.Descriptor.Description == description &&
			(r.Descriptor.Kind == KindRepeatable || r.Descriptor.Version.String() == version) {
			return r
		}
	}
	t.Fatalf("no InfoRow found for %s/%s", version, description)
	return InfoRow{}
}

// S2: out-of-order policy.
func TestInfoServiceOutOfOrder(t *testing.T) {
	descriptors := []MigrationDescriptor{
		{Kind: KindVersioned, Version: MustParseVersion("1"), Description: "a"},
		{Kind: KindVersioned, Version: MustParseVersion("2"), Description: "b"},
		{Kind: KindVersioned, Version: MustParseVersion("3"), Description: "c"},
	}
	applied := []AppliedEntry{
		{Version: MustParseVersion("1"), Description: "a", Kind: KindVersioned, Success: true},
		{Version: MustParseVersion("3"), Description: "c", Kind: KindVersioned, Success: true},
	}

	cfg := DefaultConfiguration()
	cfg.OutOfOrder = false
	svc := NewInfoService(cfg)
	rows, err := svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)
	assert.Equal(t, StateIgnored, stateOf(t, rows, "2", "b").State)

	cfg.OutOfOrder = true
	svc = NewInfoService(cfg)
	rows, err = svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)
	assert.Equal(t, StateOutOfOrder, stateOf(t, rows, "2", "b").State)
}

// S5: repeatable re-run shows latest entry as SUCCESS, OUTDATED otherwise.
func TestInfoServiceRepeatableOutdatedThenSuccess(t *testing.T) {
	descriptors := []MigrationDescriptor{
		{Kind: KindRepeatable, Description: "recreate view", Checksum: checksumPtr(2)},
	}
	applied := []AppliedEntry{
		{Description: "recreate view", Kind: KindRepeatable, Checksum: checksumPtr(1), Success: true, InstallRank: 1},
	}
	svc := NewInfoService(DefaultConfiguration())
	rows, err := svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)
	row := stateOf(t, rows, "", "recreate view")
	assert.Equal(t, StateOutdated, row.State)

	applied = append(applied, AppliedEntry{Description: "recreate view", Kind: KindRepeatable, Checksum: checksumPtr(2), Success: true, InstallRank: 2})
	rows, err = svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)
	row = stateOf(t, rows, "", "recreate view")
	assert.Equal(t, StateSuccess, row.State)
	assert.Equal(t, int64(2), row.Applied.InstallRank)
}

// S6: an applied version above every resolved one is FUTURE; the
// ignore_future policy is applied later, by Validator.
func TestInfoServiceFutureMigration(t *testing.T) {
	descriptors := []MigrationDescriptor{
		{Kind: KindVersioned, Version: MustParseVersion("1"), Description: "a"},
		{Kind: KindVersioned, Version: MustParseVersion("3"), Description: "c"},
	}
	applied := []AppliedEntry{
		{Version: MustParseVersion("1"), Description: "a", Kind: KindVersioned, Success: true},
		{Version: MustParseVersion("9"), Description: "future", Kind: KindVersioned, Success: true},
	}
	svc := NewInfoService(DefaultConfiguration())
	rows, err := svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)

	var found bool
	for _, r := range rows {
		if r.Applied != nil && r.Applied.Description == "future" {
			found = true
			assert.Equal(t, StateFuture, r.State)
		}
	}
	assert.True(t, found, "expected a FUTURE row for the orphaned V9 entry")
}

// Checksum drift on a VERSIONED descriptor is OUTDATED at the InfoRow
// level; Validator turns that into a hard error (S3).
func TestInfoServiceVersionedChecksumDrift(t *testing.T) {
	descriptors := []MigrationDescriptor{
		{Kind: KindVersioned, Version: MustParseVersion("1"), Description: "a", Checksum: checksumPtr(99)},
	}
	applied := []AppliedEntry{
		{Version: MustParseVersion("1"), Description: "a", Kind: KindVersioned, Checksum: checksumPtr(1), Success: true},
	}
	svc := NewInfoService(DefaultConfiguration())
	rows, err := svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)
	assert.Equal(t, StateOutdated, stateOf(t, rows, "1", "a").State)
}

// S4-adjacent: baseline marker supersedes applied entries at or below it,
// leaves unapplied descriptors above it pending, and shows as a BASELINE
// row.
func TestInfoServiceBaselineSupersedes(t *testing.T) {
	baseline := AppliedEntry{Version: MustParseVersion("2"), Description: "<< Baseline >>", Kind: KindBaseline, Success: true}
	descriptors := []MigrationDescriptor{
		{Kind: KindVersioned, Version: MustParseVersion("1"), Description: "a"},
		{Kind: KindVersioned, Version: MustParseVersion("3"), Description: "c"},
	}
	applied := []AppliedEntry{
		baseline,
		{Version: MustParseVersion("1"), Description: "a", Kind: KindVersioned, Success: true},
	}
	svc := NewInfoService(DefaultConfiguration())
	rows, err := svc.Build(context.Background(), descriptors, applied)
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, stateOf(t, rows, "1", "a").State)
	assert.Equal(t, StatePending, stateOf(t, rows, "3", "c").State)

	var sawBaseline bool
	for _, r := range rows {
		if r.State == StateBaseline {
			sawBaseline = true
		}
	}
	assert.True(t, sawBaseline)
}
