package main

import (
	"context"
	"strings"

	"github.com/samber/oops"

	migrate "github.com/cognicraft/dbmigrate"
	"github.com/cognicraft/dbmigrate/database/postgres"
	"github.com/cognicraft/dbmigrate/database/sqlite"
)

// connect opens a Backend+MetadataStore pair from a URL, dispatching on
// scheme the way the root command's --url flag documents: sqlite:// or
// postgres://. cfg.LockRetryBackoff is threaded into the SQLite backend's
// emulated advisory lock; Postgres delegates retry to pg_advisory_lock
// itself, which already blocks.
func connect(ctx context.Context, cfg migrate.Configuration, url string) (migrate.Backend, migrate.MetadataStore, error) {
	switch {
	case url == "":
		return nil, nil, oops.Code(string(migrate.ErrNotConfigured)).Errorf("--url is required")
	case strings.HasPrefix(url, "sqlite://"):
		dsn := strings.TrimPrefix(url, "sqlite://")
		store, err := sqlite.Open(dsn, cfg.MetadataTable)
		if err != nil {
			return nil, nil, err
		}
		if cfg.LockRetryBackoff != nil {
			store.WithBackoff(cfg.LockRetryBackoff)
		}
		return store, store, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store, err := postgres.Open(ctx, url, cfg.MetadataTable)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, oops.Code(string(migrate.ErrNotConfigured)).Errorf("unsupported database URL scheme in %q", url)
	}
}
