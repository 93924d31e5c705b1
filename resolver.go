package migrate

import (
	"context"
	"sort"
	"strings"
)

// MigrationResolver enumerates available migration descriptors from one
// source. Concrete resolvers (file scanners, user-supplied providers)
// implement this; CompositeResolver merges several of them into the
// canonical, ordered set the engine consumes.
type MigrationResolver interface {
	Resolve(ctx context.Context) ([]MigrationDescriptor, error)
}

// MigrationResolverFunc adapts a function to a MigrationResolver, the
// way the teacher's CommandFunc adapts a function to an executable
// migration.
type MigrationResolverFunc func(ctx context.Context) ([]MigrationDescriptor, error)

func (f MigrationResolverFunc) Resolve(ctx context.Context) ([]MigrationDescriptor, error) {
	return f(ctx)
}

// CompositeResolver merges the results of default file-backed resolvers
// (one per script kind) with user-supplied resolvers, then sorts and
// deduplicates per spec.md §4.3.
type CompositeResolver struct {
	sources []MigrationResolver
}

// NewCompositeResolver builds a resolver from the default file resolvers
// (unless cfg.SkipDefaultResolvers is set) plus cfg.CustomResolvers, in
// that order.
func NewCompositeResolver(cfg Configuration, defaults ...MigrationResolver) *CompositeResolver {
	c := &CompositeResolver{}
	if !cfg.SkipDefaultResolvers {
		c.sources = append(c.sources, defaults...)
	}
	c.sources = append(c.sources, cfg.CustomResolvers...)
	return c
}

// Resolve runs every source resolver, merges their output, rejects
// duplicate identities, and returns descriptors ordered: VERSIONED
// ascending by version, then REPEATABLE ascending by description.
func (c *CompositeResolver) Resolve(ctx context.Context) ([]MigrationDescriptor, error) {
	seen := map[DescriptorIdentity]MigrationDescriptor{}
	var all []MigrationDescriptor
	for _, src := range c.sources {
		descs, err := src.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			id := d.Identity()
			if existing, dup := seen[id]; dup {
				return nil, newErrorf(ErrDuplicateMigration,
					"duplicate migration detected: %s (locations %q and %q)",
					describeIdentity(d), existing.PhysicalLocation, d.PhysicalLocation)
			}
			seen[id] = d
			all = append(all, d)
		}
	}
	SortDescriptors(all)
	return all, nil
}

func describeIdentity(d MigrationDescriptor) string {
	if d.Kind == KindRepeatable {
		return "R__" + d.Description
	}
	return d.Version.String() + "__" + d.Description
}

// SortDescriptors orders descriptors the way spec.md §4.3 requires:
// VERSIONED ascending by VersionKey, then all REPEATABLE ascending by
// description (stable, locale-independent — a plain byte-wise compare).
func SortDescriptors(ds []MigrationDescriptor) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		av := a.Kind == KindVersioned
		bv := b.Kind == KindVersioned
		if av != bv {
			return av // versioned sorts before repeatable
		}
		if av {
			return a.Version.LessThan(b.Version)
		}
		return a.Description < b.Description
	})
}

// FilenameGrammar matches the filenames spec.md §6 specifies:
//
//	<prefix><version><separator><description><suffix>   (VERSIONED)
//	<rprefix><separator><description><suffix>            (REPEATABLE)
//
// ParseFilename returns ok=false (no error) for filenames that simply
// don't match any configured prefix/suffix pair — those are ignored
// silently, per spec.md §4.3.
func ParseFilename(cfg Configuration, name string) (desc MigrationDescriptor, ok bool, err error) {
	if d, matched, perr := parseVersioned(cfg, name); matched || perr != nil {
		return d, matched, perr
	}
	if d, matched, perr := parseRepeatable(cfg, name); matched || perr != nil {
		return d, matched, perr
	}
	return MigrationDescriptor{}, false, nil
}

func parseVersioned(cfg Configuration, name string) (MigrationDescriptor, bool, error) {
	prefix := cfg.VersionedPrefix
	suffix := cfg.VersionedSuffix
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return MigrationDescriptor{}, false, nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	idx := strings.Index(body, cfg.Separator)
	if idx < 0 {
		return MigrationDescriptor{}, false, nil
	}
	versionPart := body[:idx]
	descPart := body[idx+len(cfg.Separator):]
	if versionPart == "" {
		return MigrationDescriptor{}, false, nil
	}
	if !isVersionLike(versionPart) {
		return MigrationDescriptor{}, true, newErrorf(ErrInvalidVersion, "%s has an invalid version %q", name, versionPart)
	}
	version, err := ParseVersion(versionPart)
	if err != nil {
		return MigrationDescriptor{}, true, err
	}
	description := strings.ReplaceAll(descPart, "_", " ")
	if description == "" {
		return MigrationDescriptor{}, true, newErrorf(ErrInvalidDescription, "%s has an empty description", name)
	}
	return MigrationDescriptor{
		Version:     version,
		Description: description,
		Kind:        KindVersioned,
		ScriptID:    NewScriptID(),
	}, true, nil
}

func parseRepeatable(cfg Configuration, name string) (MigrationDescriptor, bool, error) {
	prefix := cfg.RepeatablePrefix
	suffix := cfg.RepeatableSuffix
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return MigrationDescriptor{}, false, nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if !strings.HasPrefix(body, cfg.Separator) {
		return MigrationDescriptor{}, false, nil
	}
	descPart := strings.TrimPrefix(body, cfg.Separator)
	description := strings.ReplaceAll(descPart, "_", " ")
	if description == "" {
		return MigrationDescriptor{}, true, newErrorf(ErrInvalidDescription, "%s has an empty description", name)
	}
	return MigrationDescriptor{
		Version:     Empty,
		Description: description,
		Kind:        KindRepeatable,
		ScriptID:    NewScriptID(),
	}, true, nil
}

// isVersionLike reports whether s only contains digits and dots, the
// grammar spec.md §6 allows for the version segment.
func isVersionLike(s string) bool {
	for _, r := range s {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
