// Package conflicts persists detected divergences, partitioned into pending
// (awaiting a decision) and resolved.
package conflicts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

const conflictColumns = `id, collection, entity_id, client_version, server_version,
	client_snapshot, server_snapshot, client_updated_at, server_updated_at,
	client_deleted, server_deleted, kind, resolution, detected_at, resolved_at`

func scanConflict(scan func(dest ...any) error) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var clientAt, serverAt, detectedAt int64
	var clientDeleted, serverDeleted int
	var resolvedAt sql.NullInt64
	err := scan(&c.ID, &c.Collection, &c.EntityID, &c.ClientVersion, &c.ServerVersion,
		&c.ClientSnapshot, &c.ServerSnapshot, &clientAt, &serverAt,
		&clientDeleted, &serverDeleted, &c.Kind, &c.Resolution, &detectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.ClientUpdatedAt = timex.FromUnixNanos(clientAt)
	c.ServerUpdatedAt = timex.FromUnixNanos(serverAt)
	c.ClientDeleted = clientDeleted != 0
	c.ServerDeleted = serverDeleted != 0
	c.DetectedAt = timex.FromUnixNanos(detectedAt)
	if resolvedAt.Valid {
		t := timex.FromUnixNanos(resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	return &c, nil
}

func (s *SQLiteRepository) Insert(ctx context.Context, c *models.ConflictRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, collection, entity_id, client_version, server_version,
			client_snapshot, server_snapshot, client_updated_at, server_updated_at,
			client_deleted, server_deleted, kind, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Collection, c.EntityID, c.ClientVersion, c.ServerVersion,
		[]byte(c.ClientSnapshot), []byte(c.ServerSnapshot),
		timex.UnixNanos(c.ClientUpdatedAt), timex.UnixNanos(c.ServerUpdatedAt),
		boolToInt(c.ClientDeleted), boolToInt(c.ServerDeleted), c.Kind, c.Resolution,
		timex.UnixNanos(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

// FindPendingByEntity returns the unresolved conflict for an entity, if any.
// At most one exists; idx_conflicts_pending_entity enforces it.
func (s *SQLiteRepository) FindPendingByEntity(ctx context.Context, collection models.Collection, entityID string) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE collection = ? AND entity_id = ? AND resolved_at IS NULL`,
		collection, entityID)
	c, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending conflict %s/%s: %w", collection, entityID, err)
	}
	return c, nil
}

// RefreshPending replaces the snapshots and versions of an unresolved
// conflict with the latest reported divergence. DetectedAt is kept.
func (s *SQLiteRepository) RefreshPending(ctx context.Context, c *models.ConflictRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET
			client_version = ?, server_version = ?,
			client_snapshot = ?, server_snapshot = ?,
			client_updated_at = ?, server_updated_at = ?,
			client_deleted = ?, server_deleted = ?, kind = ?
		WHERE id = ? AND resolved_at IS NULL
	`, c.ClientVersion, c.ServerVersion,
		[]byte(c.ClientSnapshot), []byte(c.ServerSnapshot),
		timex.UnixNanos(c.ClientUpdatedAt), timex.UnixNanos(c.ServerUpdatedAt),
		boolToInt(c.ClientDeleted), boolToInt(c.ServerDeleted), c.Kind, c.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh conflict %s: %w", c.ID, err)
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

func (s *SQLiteRepository) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteRepository) listWhere(ctx context.Context, where string) ([]models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE `+where+` ORDER BY detected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflict rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteRepository) ListPending(ctx context.Context) ([]models.ConflictRecord, error) {
	return s.listWhere(ctx, `resolved_at IS NULL`)
}

func (s *SQLiteRepository) ListResolved(ctx context.Context) ([]models.ConflictRecord, error) {
	return s.listWhere(ctx, `resolved_at IS NOT NULL`)
}

func (s *SQLiteRepository) MarkResolved(ctx context.Context, id string, choice models.ResolutionChoice, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		choice, timex.UnixNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved %s: %w", id, err)
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

func (s *SQLiteRepository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
