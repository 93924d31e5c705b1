package migrate

import "context"

// State is the reconciled status of one InfoRow, per spec.md §4.5.
type State string

const (
	StatePending        State = "PENDING"
	StateAboveTarget    State = "ABOVE_TARGET"
	StateIgnored        State = "IGNORED"
	StateFuture         State = "FUTURE"
	StateOutdated       State = "OUTDATED"
	StateSuperseded     State = "SUPERSEDED"
	StateSuccess        State = "SUCCESS"
	StateFailed         State = "FAILED"
	StateMissingSuccess State = "MISSING_SUCCESS"
	StateMissingFailed  State = "MISSING_FAILED"
	StateOutOfOrder     State = "OUT_OF_ORDER"
	StateBaseline       State = "BASELINE"
)

// InfoRow is the ephemeral join of a resolved descriptor with its
// applied history. It is rebuilt on every command and never persisted.
type InfoRow struct {
	Descriptor *MigrationDescriptor // nil for orphaned applied entries
	Applied    *AppliedEntry        // nil when nothing has been applied yet
	State      State
}

// InfoService builds the per-version reconciliation view that Validator
// and Engine both consume.
type InfoService struct {
	cfg Configuration
}

// NewInfoService constructs an InfoService bound to cfg (for target and
// out-of-order policy).
func NewInfoService(cfg Configuration) *InfoService {
	return &InfoService{cfg: cfg}
}

// Build joins resolved descriptors with store contents and assigns a
// State to each row, per the rules of spec.md §4.5.
func (s *InfoService) Build(ctx context.Context, descriptors []MigrationDescriptor, applied []AppliedEntry) ([]InfoRow, error) {
	var baseline *AppliedEntry
	byIdentity := map[DescriptorIdentity][]AppliedEntry{}
	for i := range applied {
		e := applied[i]
		switch e.Kind {
		case KindBaseline:
			b := e
			baseline = &b
		case KindSchemaMarker:
			// bookkeeping only; not part of the reconciliation view.
		default:
			id := e.Identity()
			byIdentity[id] = append(byIdentity[id], e)
		}
	}

	maxApplied := VersionKey{}
	haveMaxApplied := false
	for _, e := range applied {
		if e.Kind == KindVersioned && e.Success {
			if !haveMaxApplied || e.Version.GreaterThan(maxApplied) {
				maxApplied = e.Version
				haveMaxApplied = true
			}
		}
	}

	maxResolved := VersionKey{}
	haveMaxResolved := false
	for _, d := range descriptors {
		if d.Kind == KindVersioned {
			if !haveMaxResolved || d.Version.GreaterThan(maxResolved) {
				maxResolved = d.Version
				haveMaxResolved = true
			}
		}
	}

	target := s.resolveTarget(haveMaxResolved, maxResolved, haveMaxApplied, maxApplied)

	var rows []InfoRow
	consumed := map[DescriptorIdentity]bool{}

	for i := range descriptors {
		d := descriptors[i]
		id := d.Identity()
		consumed[id] = true
		entries := byIdentity[id]

		if len(entries) == 0 {
			rows = append(rows, s.rowForUnapplied(&d, baseline, target, haveMaxApplied, maxApplied))
			continue
		}

		latest := entries[len(entries)-1]
		rows = append(rows, s.rowForMatched(&d, &latest, baseline))
	}

	// Orphan applied entries: identities with history but no current
	// descriptor. Represent each identity once, using its latest entry,
	// in applied (install_rank) order — map iteration order is not
	// deterministic, so we walk the original slice instead.
	emitted := map[DescriptorIdentity]bool{}
	for i := range applied {
		e := applied[i]
		if e.Kind == KindBaseline || e.Kind == KindSchemaMarker {
			continue
		}
		id := e.Identity()
		if consumed[id] || emitted[id] {
			continue
		}
		emitted[id] = true
		entries := byIdentity[id]
		latest := entries[len(entries)-1]
		rows = append(rows, s.rowForOrphan(&latest, baseline, haveMaxResolved, maxResolved))
	}

	if baseline != nil {
		rows = append(rows, InfoRow{Applied: baseline, State: StateBaseline})
	}

	return rows, nil
}

func (s *InfoService) resolveTarget(haveMaxResolved bool, maxResolved VersionKey, haveMaxApplied bool, maxApplied VersionKey) VersionKey {
	switch {
	case s.cfg.Target.IsLatest():
		if haveMaxResolved {
			return maxResolved
		}
		return Latest
	case s.cfg.Target.IsCurrent():
		if haveMaxApplied {
			return maxApplied
		}
		return MustParseVersion("0")
	default:
		return s.cfg.Target
	}
}

func (s *InfoService) rowForMatched(d *MigrationDescriptor, latest *AppliedEntry, baseline *AppliedEntry) InfoRow {
	if baseline != nil && d.Kind == KindVersioned && d.Version.Compare(baseline.Version) <= 0 {
		return InfoRow{Descriptor: d, Applied: latest, State: StateSuperseded}
	}
	if !latest.Success {
		return InfoRow{Descriptor: d, Applied: latest, State: StateFailed}
	}
	if latest.Checksum != nil && d.Checksum != nil && *latest.Checksum == *d.Checksum {
		return InfoRow{Descriptor: d, Applied: latest, State: StateSuccess}
	}
	return InfoRow{Descriptor: d, Applied: latest, State: StateOutdated}
}

func (s *InfoService) rowForUnapplied(d *MigrationDescriptor, baseline *AppliedEntry, target VersionKey, haveMaxApplied bool, maxApplied VersionKey) InfoRow {
	if d.Kind == KindRepeatable {
		return InfoRow{Descriptor: d, State: StatePending}
	}
	if baseline != nil && d.Version.Compare(baseline.Version) <= 0 {
		return InfoRow{Descriptor: d, State: StateIgnored}
	}
	if d.Version.GreaterThan(target) {
		return InfoRow{Descriptor: d, State: StateAboveTarget}
	}
	if haveMaxApplied && d.Version.LessThan(maxApplied) {
		if s.cfg.OutOfOrder {
			return InfoRow{Descriptor: d, State: StateOutOfOrder}
		}
		return InfoRow{Descriptor: d, State: StateIgnored}
	}
	return InfoRow{Descriptor: d, State: StatePending}
}

func (s *InfoService) rowForOrphan(latest *AppliedEntry, baseline *AppliedEntry, haveMaxResolved bool, maxResolved VersionKey) InfoRow {
	if baseline != nil && latest.Kind == KindVersioned && latest.Version.Compare(baseline.Version) <= 0 {
		return InfoRow{Applied: latest, State: StateSuperseded}
	}
	if latest.Kind == KindVersioned && haveMaxResolved && latest.Version.GreaterThan(maxResolved) {
		return InfoRow{Applied: latest, State: StateFuture}
	}
	if !latest.Success {
		return InfoRow{Applied: latest, State: StateMissingFailed}
	}
	return InfoRow{Applied: latest, State: StateMissingSuccess}
}

// PendingStates are the states Engine.Migrate treats as eligible to
// apply (spec.md §4.7). Migrate applies an OUTDATED row only when its
// descriptor is REPEATABLE.
func PendingStates() map[State]bool {
	return map[State]bool{
		StatePending:    true,
		StateOutOfOrder: true,
		StateOutdated:   true,
	}
}
