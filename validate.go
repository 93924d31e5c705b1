package migrate

import "fmt"

// Validator compares resolved descriptors against stored history (via
// the InfoRows InfoService produces) and yields a single verdict: OK, or
// the first offending row's error.
type Validator struct {
	cfg Configuration
}

// NewValidator constructs a Validator bound to cfg (for ignore_future
// policy).
func NewValidator(cfg Configuration) *Validator {
	return &Validator{cfg: cfg}
}

// Validate walks rows in resolver order (InfoService already orders
// descriptor rows first, then orphaned applied-entry rows in
// install_rank order) and returns the first policy violation. pendingNotOK
// is set by the `validate` command and left false by validateOnMigrate.
func (v *Validator) Validate(rows []InfoRow, pendingNotOK bool) error {
	for _, row := range rows {
		if err := v.checkRow(row, pendingNotOK); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkRow(row InfoRow, pendingNotOK bool) error {
	switch row.State {
	case StateOutdated:
		if row.Descriptor != nil && row.Descriptor.Kind == KindVersioned {
			return newErrorf(ErrChecksumMismatch,
				"checksum mismatch for %s: applied checksum does not match the current script", describeRow(row))
		}
		return nil
	case StateMissingSuccess, StateMissingFailed:
		return newErrorf(ErrMissingAppliedScript,
			"applied migration %s is no longer resolvable", describeRow(row))
	case StateFuture:
		if !v.cfg.IgnoreFuture {
			return newErrorf(ErrFutureMigration,
				"%s was applied but is not present in the resolved migrations and is newer than any resolved version",
				describeRow(row))
		}
		v.cfg.Logger.Warn().Str("migration", describeRow(row)).Msg("applied migration is newer than any resolved migration; ignored")
		return nil
	case StatePending:
		if pendingNotOK {
			return newErrorf(ErrValidationFailed, "%s is pending and has not been applied", describeRow(row))
		}
		return nil
	}
	if row.Descriptor != nil && row.Applied != nil {
		if row.Descriptor.Kind != row.Applied.Kind {
			return newErrorf(ErrValidationFailed,
				"%s resolved as %s but was applied as %s", describeRow(row), row.Descriptor.Kind, row.Applied.Kind)
		}
		if row.Descriptor.Version.IsReal() && row.Descriptor.Version.Equal(row.Applied.Version) &&
			row.Descriptor.Description != row.Applied.Description {
			return newErrorf(ErrValidationFailed,
				"version %s was applied as %q but resolves to %q now",
				row.Descriptor.Version, row.Applied.Description, row.Descriptor.Description)
		}
	}
	return nil
}

func describeRow(row InfoRow) string {
	if row.Descriptor != nil {
		if row.Descriptor.Kind == KindRepeatable {
			return fmt.Sprintf("R__%s", row.Descriptor.Description)
		}
		return fmt.Sprintf("%s__%s", row.Descriptor.Version, row.Descriptor.Description)
	}
	if row.Applied != nil {
		if row.Applied.Kind == KindRepeatable {
			return fmt.Sprintf("R__%s", row.Applied.Description)
		}
		return fmt.Sprintf("%s__%s", row.Applied.Version, row.Applied.Description)
	}
	return "<unknown>"
}
