package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	script := `-- leading comment; with a semicolon
CREATE TABLE a (x TEXT DEFAULT 'a;b'); -- trailing
-- only a comment;
CREATE INDEX i ON a(x);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x TEXT DEFAULT 'a;b')", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
	assert.Empty(t, splitStatements("-- nothing here\n\n"))
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_add_index.sql":    {Data: []byte("CREATE INDEX i ON t(x);")},
		"migrations/001_initial.sql":      {Data: []byte("CREATE TABLE t (x TEXT);")},
		"migrations/notes.txt":            {Data: []byte("ignored")},
		"migrations/010_later_change.sql": {Data: []byte("SELECT 1;")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{ms[0].version, ms[1].version, ms[2].version})
	assert.Equal(t, "add_index", ms[1].name)

	_, err = loadMigrations(fstest.MapFS{"migrations/initial.sql": {Data: []byte("x")}})
	assert.Error(t, err)

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("x")},
		"migrations/1_b.sql":   {Data: []byte("y")},
	})
	assert.ErrorContains(t, err, "version 1")
}

func TestEmbeddedMigrationsApply(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)

	s := newTestStore(t)
	var n int
	require.NoError(t, s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(ms), n)
}
