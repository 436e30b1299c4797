package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnew/internal/entry"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "entries.db")

	s, err := NewSQLiteStore(path, testOptions())
	require.NoError(t, err)
	_, err = s.UpsertBatch(ctx, []entry.FeedEntry{dated("kept", time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs migrations again; they must be a no-op.
	s, err = NewSQLiteStore(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.QueryWindow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids(got))
}

func TestSQLiteStore_MigrationVersion(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "entries.db"), testOptions())
	require.NoError(t, err)
	defer s.Close()

	version, dirty, err := runMigrations(s.db)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestSQLiteStore_CheckConstraintIsClassified(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "entries.db"), testOptions())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(`INSERT INTO feed_entries (id, published_at) VALUES ('x', 'last tuesday')`)
	require.Error(t, err)
	assert.True(t, isConstraintViolation(err))

	_, err = s.db.Exec(`INSERT INTO feed_entries (id) VALUES ('')`)
	require.Error(t, err)
	assert.True(t, isConstraintViolation(err))

	_, err = s.db.Exec(`SELECT * FROM no_such_table`)
	require.Error(t, err)
	assert.False(t, isConstraintViolation(err))
}

func TestSQLiteStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "entries.db"), testOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.UpsertBatch(ctx, []entry.FeedEntry{dated("a", 0)})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.QueryWindow(ctx, 8)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.PruneOlderThan(ctx, 30)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLiteStore_WindowUsesIndex(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "entries.db"), testOptions())
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.db.Query(`EXPLAIN QUERY PLAN
		SELECT id FROM feed_entries WHERE published_at <> '' AND published_at >= ?`, "2024-01-01 00:00:00")
	require.NoError(t, err)
	defer rows.Close()

	var plan string
	for rows.Next() {
		var id, parent, notused int
		var detail string
		require.NoError(t, rows.Scan(&id, &parent, &notused, &detail))
		plan += detail + "\n"
	}
	require.NoError(t, rows.Err())
	assert.Contains(t, plan, "idx_feed_entries_published_at")
}

func TestSQLiteStore_PragmasApplyToEveryConnection(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "entries.db"), testOptions())
	require.NoError(t, err)
	defer s.Close()

	// Without idle connections every query runs on a freshly opened one.
	s.db.SetMaxIdleConns(0)

	for range 3 {
		var timeout, synchronous int
		var journal string
		require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous))
		require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal))

		assert.Equal(t, 5000, timeout)
		assert.Equal(t, 1, synchronous, "NORMAL")
		assert.Equal(t, "wal", journal)
	}
}
