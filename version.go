package migrate

import (
	"strconv"
	"strings"
)

// versionKind distinguishes a real, parsed VersionKey from the three
// sentinel values spec.md defines: LATEST, CURRENT and EMPTY.
type versionKind int

const (
	versionReal versionKind = iota
	versionLatest
	versionCurrent
	versionEmpty
)

// maxVersionParts bounds the number of dotted segments a VersionKey can
// hold. VersionKey is stored as a fixed-size array rather than a slice
// so it (and DescriptorIdentity, which embeds it) remains a comparable
// type usable as a map key throughout the engine; no migration in
// practice nests this deep.
const maxVersionParts = 24

// VersionKey is an ordered migration version identifier: a sequence of
// non-negative integers compared lexicographically, e.g. "1", "1.1",
// "2.0.3". It also represents the three sentinel values used throughout
// the engine: Latest, Current and Empty.
type VersionKey struct {
	kind   versionKind
	length int
	parts  [maxVersionParts]int64
}

var (
	// Latest compares greater than any real VersionKey. Used as the
	// default migration target.
	Latest = VersionKey{kind: versionLatest}

	// Current is unresolved until the metadata store is queried; it
	// resolves to the greatest successfully applied version.
	Current = VersionKey{kind: versionCurrent}

	// Empty is the version of every REPEATABLE migration descriptor.
	// Empty values are unordered among themselves.
	Empty = VersionKey{kind: versionEmpty}
)

// ParseVersion splits s on "." and parses each part as a non-negative
// integer. Empty parts and negative numbers are rejected.
func ParseVersion(s string) (VersionKey, error) {
	if s == "" {
		return VersionKey{}, newError(ErrInvalidVersion, "version string is empty")
	}
	segments := strings.Split(s, ".")
	if len(segments) > maxVersionParts {
		return VersionKey{}, newErrorf(ErrInvalidVersion, "version %q has more than %d components", s, maxVersionParts)
	}
	var v VersionKey
	v.kind = versionReal
	for i, seg := range segments {
		if seg == "" {
			return VersionKey{}, newErrorf(ErrInvalidVersion, "version %q has an empty component", s)
		}
		n, err := strconv.ParseInt(seg, 10, 64)
		if err != nil {
			return VersionKey{}, newErrorf(ErrInvalidVersion, "version %q has a non-integer component %q", s, seg)
		}
		if n < 0 {
			return VersionKey{}, newErrorf(ErrInvalidVersion, "version %q has a negative component", s)
		}
		v.parts[i] = n
	}
	v.length = len(segments)
	return v, nil
}

// MustParseVersion is ParseVersion but panics on error. Intended for
// constants and tests.
func MustParseVersion(s string) VersionKey {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsReal reports whether v was produced by ParseVersion (as opposed to
// being one of the Latest/Current/Empty sentinels).
func (v VersionKey) IsReal() bool { return v.kind == versionReal }

// IsEmpty reports whether v is the Empty sentinel.
func (v VersionKey) IsEmpty() bool { return v.kind == versionEmpty }

// IsLatest reports whether v is the Latest sentinel.
func (v VersionKey) IsLatest() bool { return v.kind == versionLatest }

// IsCurrent reports whether v is the Current sentinel.
func (v VersionKey) IsCurrent() bool { return v.kind == versionCurrent }

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than
// b. Shorter sequences are zero-padded before comparison, so "1.0"
// equals "1". Latest compares greater than any real version; Empty
// values are unordered (when neither side is Latest and either side is
// Empty, Compare returns 0, so it cannot be used to order Empty values
// against each other or against real versions).
func (a VersionKey) Compare(b VersionKey) int {
	if a.kind == versionLatest || b.kind == versionLatest {
		switch {
		case a.kind == b.kind:
			return 0
		case a.kind == versionLatest:
			return 1
		default:
			return -1
		}
	}
	if a.kind == versionEmpty || b.kind == versionEmpty {
		if a.kind == b.kind {
			return 0
		}
		return 0
	}
	n := a.length
	if b.length > n {
		n = b.length
	}
	for i := 0; i < n; i++ {
		var ai, bi int64
		if i < a.length {
			ai = a.parts[i]
		}
		if i < b.length {
			bi = b.parts[i]
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports whether a and b compare equal under their canonical
// form (padding-insensitive for real versions).
func (a VersionKey) Equal(b VersionKey) bool {
	if a.kind != b.kind {
		return false
	}
	if a.kind != versionReal {
		return true
	}
	return a.Compare(b) == 0
}

// LessThan is a convenience wrapper over Compare.
func (a VersionKey) LessThan(b VersionKey) bool { return a.Compare(b) < 0 }

// GreaterThan is a convenience wrapper over Compare.
func (a VersionKey) GreaterThan(b VersionKey) bool { return a.Compare(b) > 0 }

// String returns the canonical dotted-integer representation for real
// versions, or a symbolic name for sentinels.
func (v VersionKey) String() string {
	switch v.kind {
	case versionLatest:
		return "<< Latest >>"
	case versionCurrent:
		return "<< Current >>"
	case versionEmpty:
		return ""
	}
	segs := make([]string, v.length)
	for i := 0; i < v.length; i++ {
		segs[i] = strconv.FormatInt(v.parts[i], 10)
	}
	return strings.Join(segs, ".")
}
