// Package syncmeta persists per-collection delta-sync markers and cycle
// counters, used to compute the change-since window of a delta request.
package syncmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/dbx"
	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
	"github.com/ThaADS/AiFamQuest-sub004/internal/timex"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns the metadata row for collection, or a zero-valued SyncMetadata
// when the collection has never synced.
func (s *SQLiteRepository) Get(ctx context.Context, collection models.Collection) (*models.SyncMetadata, error) {
	var m models.SyncMetadata
	var lastSyncAt int64
	m.Collection = collection
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at, success_count, failure_count FROM sync_metadata WHERE collection = ?`,
		collection).Scan(&lastSyncAt, &m.SuccessCount, &m.FailureCount)
	if errors.Is(err, sql.ErrNoRows) {
		return &m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync metadata[%s]: %w", collection, err)
	}
	m.LastSyncAt = timex.FromUnixNanos(lastSyncAt)
	return &m, nil
}

func (s *SQLiteRepository) SetLastSyncAt(ctx context.Context, collection models.Collection, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (collection, last_sync_at) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`, collection, timex.UnixNanos(at))
	if err != nil {
		return fmt.Errorf("failed to set sync metadata[%s]: %w", collection, err)
	}
	return nil
}

func (s *SQLiteRepository) bump(ctx context.Context, collection models.Collection, column string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (collection, `+column+`) VALUES (?, 1)
		ON CONFLICT(collection) DO UPDATE SET `+column+` = `+column+` + 1
	`, collection)
	if err != nil {
		return fmt.Errorf("failed to bump sync metadata[%s]: %w", collection, err)
	}
	return nil
}

func (s *SQLiteRepository) BumpSuccess(ctx context.Context, collection models.Collection) error {
	return s.bump(ctx, collection, "success_count")
}

func (s *SQLiteRepository) BumpFailure(ctx context.Context, collection models.Collection) error {
	return s.bump(ctx, collection, "failure_count")
}

func (s *SQLiteRepository) List(ctx context.Context) ([]models.SyncMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, last_sync_at, success_count, failure_count FROM sync_metadata ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync metadata: %w", err)
	}
	defer rows.Close()

	var result []models.SyncMetadata
	for rows.Next() {
		var m models.SyncMetadata
		var lastSyncAt int64
		if err := rows.Scan(&m.Collection, &lastSyncAt, &m.SuccessCount, &m.FailureCount); err != nil {
			return nil, fmt.Errorf("failed to scan sync metadata row: %w", err)
		}
		m.LastSyncAt = timex.FromUnixNanos(lastSyncAt)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync metadata rows: %w", err)
	}
	return result, nil
}
