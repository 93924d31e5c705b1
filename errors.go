package migrate

import (
	"errors"

	"github.com/samber/oops"
)

// ErrorKind is the taxonomy of error conditions spec.md §7 names. Every
// error this engine raises carries exactly one kind.
type ErrorKind string

const (
	ErrNotConfigured        ErrorKind = "NOT_CONFIGURED"
	ErrInvalidConfig        ErrorKind = "INVALID_CONFIG"
	ErrLocationUnreadable   ErrorKind = "LOCATION_UNREADABLE"
	ErrInvalidVersion       ErrorKind = "INVALID_VERSION"
	ErrInvalidDescription   ErrorKind = "INVALID_DESCRIPTION"
	ErrDuplicateMigration   ErrorKind = "DUPLICATE_MIGRATION"
	ErrNonEmptyNoMetadata   ErrorKind = "NON_EMPTY_NO_METADATA"
	ErrAlreadyBaselined     ErrorKind = "ALREADY_BASELINED"
	ErrNonEmptyHistory      ErrorKind = "NON_EMPTY_HISTORY"
	ErrValidationFailed     ErrorKind = "VALIDATION_FAILED"
	ErrChecksumMismatch     ErrorKind = "CHECKSUM_MISMATCH"
	ErrMissingAppliedScript ErrorKind = "MISSING_APPLIED_SCRIPT"
	ErrFutureMigration      ErrorKind = "FUTURE_MIGRATION"
	ErrMigrationFailed      ErrorKind = "MIGRATION_FAILED"
	ErrCleanDisabled        ErrorKind = "CLEAN_DISABLED"
	ErrLockTimeout          ErrorKind = "LOCK_TIMEOUT"
	ErrBackendError         ErrorKind = "BACKEND_ERROR"
)

// Error is the single structured error type every public operation in
// this package returns. It carries a Kind from the taxonomy above plus a
// human-readable message, and wraps github.com/samber/oops so context
// (stack trace, attached key/value pairs) survives across call
// boundaries.
type Error struct {
	kind ErrorKind
	oops oops.OopsError
}

// Kind returns the error's taxonomy classification.
func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Error() string { return e.oops.Error() }

func (e *Error) Unwrap() error { return e.oops }

// WithContext attaches a key/value pair to the error for structured
// logging, returning a new *Error.
func (e *Error) WithContext(key string, value any) *Error {
	return &Error{kind: e.kind, oops: oops.With(key, value).Wrap(e.oops).(oops.OopsError)}
}

// NewError constructs an *Error of kind carrying msg, for use by backend
// and resolver implementations outside this package that need to raise
// errors from the same taxonomy.
func NewError(kind ErrorKind, msg string) *Error {
	return newError(kind, msg)
}

// NewErrorf is NewError with fmt.Sprintf-style formatting.
func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return newErrorf(kind, format, args...)
}

// WrapError is wrapError exported for backend and resolver implementations.
func WrapError(kind ErrorKind, cause error, msg string) *Error {
	return wrapError(kind, cause, msg)
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{
		kind: kind,
		oops: oops.Code(string(kind)).Errorf("%s", msg).(oops.OopsError),
	}
}

func newErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		kind: kind,
		oops: oops.Code(string(kind)).Errorf(format, args...).(oops.OopsError),
	}
}

func wrapError(kind ErrorKind, cause error, msg string) *Error {
	return &Error{
		kind: kind,
		oops: oops.Code(string(kind)).Wrapf(cause, "%s", msg).(oops.OopsError),
	}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a
// *migrate.Error, reporting ok=false otherwise.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) a *migrate.Error of the given
// kind, e.g. migrate.Is(err, migrate.ErrValidationFailed).
func Is(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
