package main

import migrate "github.com/cognicraft/dbmigrate"

// exitCodeFor maps a returned error to the process exit code SPEC_FULL.md
// §4.9 defines, so CI pipelines can branch on migration outcome without
// parsing log output.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := migrate.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case migrate.ErrNotConfigured, migrate.ErrInvalidConfig:
		return 78
	case migrate.ErrValidationFailed, migrate.ErrChecksumMismatch, migrate.ErrMissingAppliedScript, migrate.ErrFutureMigration:
		return 65
	case migrate.ErrMigrationFailed:
		return 1
	case migrate.ErrCleanDisabled:
		return 77
	default:
		return 1
	}
}
