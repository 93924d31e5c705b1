package migrate

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Kind distinguishes the four shapes a row in the metadata store (or a
// resolved descriptor) can take.
type Kind string

const (
	KindVersioned    Kind = "VERSIONED"
	KindRepeatable   Kind = "REPEATABLE"
	KindBaseline     Kind = "BASELINE"
	KindSchemaMarker Kind = "SCHEMA_MARKER"
)

// MigrationDescriptor is a resolved, immutable description of one
// migration script, produced by a MigrationResolver. Identity is
// (Version, Description) for VERSIONED descriptors and Description alone
// for REPEATABLE descriptors.
type MigrationDescriptor struct {
	Version          VersionKey
	Description      string
	Kind             Kind
	ScriptID         string
	Checksum         *Checksum
	PhysicalLocation string
	ExecutorTag      string

	// LoadScript retrieves the migration's body on demand. Set by the
	// resolver that produced this descriptor; nil for descriptors that
	// represent a marker rather than an executable script.
	LoadScript func(ctx context.Context) (string, error)
}

// NewScriptID generates a fresh opaque script identifier. It is stable
// for the lifetime of a process but is never persisted as part of a
// descriptor's identity.
func NewScriptID() string {
	return ulid.Make().String()
}

// Identity returns the value that makes two descriptors refer to "the
// same" migration: version+description for VERSIONED, description alone
// for REPEATABLE.
func (d MigrationDescriptor) Identity() DescriptorIdentity {
	if d.Kind == KindRepeatable {
		return DescriptorIdentity{Description: d.Description}
	}
	return DescriptorIdentity{Version: d.Version, Description: d.Description, versioned: true}
}

// DescriptorIdentity is a comparable value usable as a map key to detect
// duplicate migrations (spec.md §4.3).
type DescriptorIdentity struct {
	Version     VersionKey
	Description string
	versioned   bool
}

// Validate checks the invariants spec.md §3 places on a descriptor: a
// real version for VERSIONED, Empty for REPEATABLE, non-empty
// description not containing the configured separator.
func (d MigrationDescriptor) Validate(separator string) error {
	if d.Description == "" {
		return newErrorf(ErrInvalidDescription, "migration %s has an empty description", d.ScriptID)
	}
	if separator != "" && strings.Contains(d.Description, separator) {
		return newErrorf(ErrInvalidDescription, "description %q contains the configured separator %q", d.Description, separator)
	}
	switch d.Kind {
	case KindVersioned:
		if !d.Version.IsReal() {
			return newErrorf(ErrInvalidVersion, "VERSIONED migration %q must have a real version", d.Description)
		}
	case KindRepeatable:
		if !d.Version.IsEmpty() {
			return newErrorf(ErrInvalidVersion, "REPEATABLE migration %q must have an empty version", d.Description)
		}
	}
	return nil
}
