package syncmeta

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE sync_metadata (
  collection TEXT PRIMARY KEY,
  last_sync_at INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0
);
`)
	require.NoError(t, err)
	return db
}

func TestGet_NeverSynced(t *testing.T) {
	repo := NewSQLiteRepository(setupDB(t))

	m, err := repo.Get(context.Background(), models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, models.CollectionTasks, m.Collection)
	assert.True(t, m.LastSyncAt.IsZero(), "a collection that never synced has no marker")
	assert.Zero(t, m.SuccessCount)
	assert.Zero(t, m.FailureCount)
}

func TestSetLastSyncAt_RoundTrip(t *testing.T) {
	repo := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	first := time.Date(2026, 3, 14, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, repo.SetLastSyncAt(ctx, models.CollectionTasks, first))

	m, err := repo.Get(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.True(t, m.LastSyncAt.Equal(first), "marker must round-trip to the nanosecond")

	// A later cycle moves the marker forward.
	second := first.Add(5 * time.Minute)
	require.NoError(t, repo.SetLastSyncAt(ctx, models.CollectionTasks, second))
	m, err = repo.Get(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.True(t, m.LastSyncAt.Equal(second))
}

func TestBumpCounters(t *testing.T) {
	repo := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, repo.BumpSuccess(ctx, models.CollectionTasks))
	require.NoError(t, repo.BumpSuccess(ctx, models.CollectionTasks))
	require.NoError(t, repo.BumpFailure(ctx, models.CollectionTasks))

	m, err := repo.Get(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.SuccessCount)
	assert.Equal(t, int64(1), m.FailureCount)

	// Counters are per collection.
	other, err := repo.Get(ctx, models.CollectionEvents)
	require.NoError(t, err)
	assert.Zero(t, other.SuccessCount)
}

func TestList(t *testing.T) {
	repo := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SetLastSyncAt(ctx, models.CollectionTasks, at))
	require.NoError(t, repo.SetLastSyncAt(ctx, models.CollectionEvents, at))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.CollectionEvents, list[0].Collection)
	assert.Equal(t, models.CollectionTasks, list[1].Collection)
}
