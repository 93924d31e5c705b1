package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migrate "github.com/cognicraft/dbmigrate"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestResolverScansAndOrders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "V2__add_posts.sql", "CREATE TABLE posts(id int);")
	writeFile(t, dir, "V1__add_users.sql", "CREATE TABLE users(id int);")
	writeFile(t, dir, "R__recreate_view.sql", "CREATE VIEW v AS SELECT 1;")
	writeFile(t, dir, "README.md", "not a migration")

	cfg := migrate.DefaultConfiguration()
	cfg.Locations = []string{"filesystem:" + dir}
	r := New(cfg)

	descs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 3)

	migrate.SortDescriptors(descs)
	assert.Equal(t, "1", descs[0].Version.String())
	assert.Equal(t, "add users", descs[0].Description)
	assert.Equal(t, "2", descs[1].Version.String())
	assert.Equal(t, migrate.KindRepeatable, descs[2].Kind)
	assert.Equal(t, "recreate view", descs[2].Description)

	for _, d := range descs {
		require.NotNil(t, d.Checksum)
		require.NotNil(t, d.LoadScript)
		body, err := d.LoadScript(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, body)
	}
}

func TestResolverMissingLocationIsSkipped(t *testing.T) {
	cfg := migrate.DefaultConfiguration()
	cfg.Locations = []string{"filesystem:" + filepath.Join(t.TempDir(), "does-not-exist")}
	r := New(cfg)
	descs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, descs)
}

func TestResolverClasspathSchemeIsFilesystemSynonym(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "V1__init.sql", "CREATE TABLE t(id int);")

	cfg := migrate.DefaultConfiguration()
	cfg.Locations = []string{"classpath:" + dir}
	r := New(cfg)

	descs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "init", descs[0].Description)
}
