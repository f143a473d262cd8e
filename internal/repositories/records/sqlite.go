// Package records persists versioned entity records, one row per
// (collection, id). Deleted records stay in place as tombstones.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

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

const recordColumns = `collection, id, version, updated_at, dirty, deleted, last_modified_by, payload`

func scanRecord(scan func(dest ...any) error) (*models.Record, error) {
	var r models.Record
	var updatedAt int64
	var dirty, deleted int
	err := scan(&r.Collection, &r.ID, &r.Version, &updatedAt, &dirty, &deleted, &r.LastModifiedBy, &r.Payload)
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = timex.FromUnixNanos(updatedAt)
	r.Dirty = dirty != 0
	r.Deleted = deleted != 0
	return &r, nil
}

func (s *SQLiteRepository) Get(ctx context.Context, collection models.Collection, id string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`, collection, id)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}
	return r, nil
}

func (s *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []models.Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			// A row that no longer scans means the local store itself is
			// damaged, not that this one read should be retried.
			return nil, fmt.Errorf("%w: failed to scan record row: %v", common.ErrStorageCorruption, err)
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteRepository) List(ctx context.Context, collection models.Collection, includeDeleted bool) ([]models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE collection = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	return s.list(ctx, query+` ORDER BY id`, collection)
}

func (s *SQLiteRepository) Dirty(ctx context.Context, collection models.Collection) ([]models.Record, error) {
	return s.list(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection = ? AND dirty = 1 ORDER BY updated_at, id`,
		collection)
}

func (s *SQLiteRepository) Upsert(ctx context.Context, r *models.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, version, updated_at, dirty, deleted, last_modified_by, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty,
			deleted = excluded.deleted,
			last_modified_by = excluded.last_modified_by,
			payload = excluded.payload
	`, r.Collection, r.ID, r.Version, timex.UnixNanos(r.UpdatedAt),
		boolToInt(r.Dirty), boolToInt(r.Deleted), r.LastModifiedBy, []byte(r.Payload))
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", r.Collection, r.ID, err)
	}
	return nil
}

func (s *SQLiteRepository) MarkClean(ctx context.Context, collection models.Collection, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET dirty = 0 WHERE collection = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark records clean: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
