package migrate

import "time"

// AppliedEntry is one row recorded in the MetadataStore, in insertion
// order. InstallRank strictly increases across successful appends and
// may have gaps once repair removes failed entries.
type AppliedEntry struct {
	InstallRank    int64
	Version        VersionKey
	Description    string
	Kind           Kind
	ScriptID       string
	Checksum       *Checksum
	InstalledBy    string
	InstalledAt    time.Time
	ExecutionTime  time.Duration
	Success        bool
}

// Identity mirrors MigrationDescriptor.Identity so applied entries and
// resolved descriptors can be joined by InfoService.
func (e AppliedEntry) Identity() DescriptorIdentity {
	if e.Kind == KindRepeatable {
		return DescriptorIdentity{Description: e.Description}
	}
	return DescriptorIdentity{Version: e.Version, Description: e.Description, versioned: true}
}

// IsSchemaMarker reports whether e records the schemas the engine itself
// created (so Clean knows what it is permitted to drop).
func (e AppliedEntry) IsSchemaMarker() bool { return e.Kind == KindSchemaMarker }

// IsBaselineMarker reports whether e anchors the starting version below
// which migrations are skipped.
func (e AppliedEntry) IsBaselineMarker() bool { return e.Kind == KindBaseline }
