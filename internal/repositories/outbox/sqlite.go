// Package outbox persists queued mutations across the pending and failed
// partitions of the outbox table.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
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

const entryColumns = `entry_id, collection, entity_id, operation, snapshot, version,
	updated_at, retry_count, queued_at, last_attempt_at, last_error, state`

func scanEntry(scan func(dest ...any) error) (*models.OutboxEntry, error) {
	var e models.OutboxEntry
	var updatedAt, queuedAt int64
	var lastAttempt sql.NullInt64
	err := scan(&e.EntryID, &e.Collection, &e.EntityID, &e.Operation, &e.Snapshot, &e.Version,
		&updatedAt, &e.RetryCount, &queuedAt, &lastAttempt, &e.LastError, &e.State)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = timex.FromUnixNanos(updatedAt)
	e.QueuedAt = timex.FromUnixNanos(queuedAt)
	if lastAttempt.Valid {
		t := timex.FromUnixNanos(lastAttempt.Int64)
		e.LastAttemptAt = &t
	}
	return &e, nil
}

func (s *SQLiteRepository) Insert(ctx context.Context, e *models.OutboxEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (entry_id, collection, entity_id, operation, snapshot, version,
			updated_at, retry_count, queued_at, last_error, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EntryID, e.Collection, e.EntityID, e.Operation, []byte(e.Snapshot), e.Version,
		timex.UnixNanos(e.UpdatedAt), e.RetryCount, timex.UnixNanos(e.QueuedAt), e.LastError, e.State)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Get(ctx context.Context, entryID string) (*models.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM outbox WHERE entry_id = ?`, entryID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry %s: %w", entryID, err)
	}
	return e, nil
}

func (s *SQLiteRepository) FindPendingByEntity(ctx context.Context, collection models.Collection, entityID string) (*models.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM outbox WHERE collection = ? AND entity_id = ? AND state = 'pending'`,
		collection, entityID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending entry for %s/%s: %w", collection, entityID, err)
	}
	return e, nil
}

func (s *SQLiteRepository) ReplaceSnapshot(ctx context.Context, entryID string, op models.Operation, snapshot []byte, version int64, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET operation = ?, snapshot = ?, version = ?, updated_at = ?
		WHERE entry_id = ?
	`, op, snapshot, version, timex.UnixNanos(updatedAt), entryID)
	if err != nil {
		return fmt.Errorf("failed to replace outbox snapshot %s: %w", entryID, err)
	}
	return nil
}

func (s *SQLiteRepository) ListByState(ctx context.Context, state models.OutboxState) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM outbox WHERE state = ? ORDER BY queued_at, rowid`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox entries: %w", err)
	}
	defer rows.Close()

	var result []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteRepository) Delete(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entryIDs)), ",")
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE entry_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete outbox entries: %w", err)
	}
	return nil
}

// DeleteMatching removes an entry only while it still carries the given
// version. A later coalesced write bumps the version, and the entry must
// then survive the acknowledgement of the older snapshot.
func (s *SQLiteRepository) DeleteMatching(ctx context.Context, entryID string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE entry_id = ? AND version = ?`, entryID, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete outbox entry %s: %w", entryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteRepository) RecordAttempt(ctx context.Context, entryID string, retryCount int, lastError string, attemptAt time.Time, state models.OutboxState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET retry_count = ?, last_error = ?, last_attempt_at = ?, state = ?
		WHERE entry_id = ?
	`, retryCount, lastError, timex.UnixNanos(attemptAt), state, entryID)
	if err != nil {
		return fmt.Errorf("failed to record outbox attempt %s: %w", entryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// MoveFailedToPending requeues failed entries with a fresh retry budget.
// An entity that already has a newer pending entry keeps its failed entry
// parked; the pending one supersedes it.
func (s *SQLiteRepository) MoveFailedToPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = 'pending', retry_count = 0, last_error = '', last_attempt_at = NULL
		WHERE state = 'failed' AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.state = 'pending'
			  AND p.collection = outbox.collection AND p.entity_id = outbox.entity_id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteRepository) CountByState(ctx context.Context, state models.OutboxState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE state = ?`, state).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}
