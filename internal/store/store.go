// Package store implements the entity store: versioned local persistence
// for every collection, with dirty tracking, tombstoned deletes and
// transactional outbox enqueueing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
	"github.com/ThaADS/AiFamQuest-sub004/internal/dbx"
	"github.com/ThaADS/AiFamQuest-sub004/internal/logging"
	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
	"github.com/ThaADS/AiFamQuest-sub004/internal/outbox"
	recordsrepo "github.com/ThaADS/AiFamQuest-sub004/internal/repositories/records"
)

// Store owns the Record lifecycle. Every local write goes through it; the
// matching outbox entry is queued in the same sqlite transaction, so either
// both survive or neither does.
type Store struct {
	db    *sql.DB
	repo  recordsrepo.Repository
	queue *outbox.Queue
	locks map[models.Collection]*sync.Mutex
	now   func() time.Time
	log   logging.Logger
}

func New(db *sql.DB, queue *outbox.Queue, log logging.Logger) *Store {
	locks := make(map[models.Collection]*sync.Mutex, len(models.Collections()))
	for _, c := range models.Collections() {
		locks[c] = &sync.Mutex{}
	}
	return &Store{
		db:    db,
		repo:  recordsrepo.NewSQLiteRepository(db),
		queue: queue,
		locks: locks,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log,
	}
}

// lock returns the per-collection writer lock. Writers to the same
// collection are serialized; cross-collection writes are not.
func (s *Store) lock(c models.Collection) (*sync.Mutex, error) {
	mu, ok := s.locks[c]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", common.ErrValidation, c)
	}
	return mu, nil
}

// NewID mints a collision-resistant client-side id for a new entity.
func NewID() string {
	return uuid.NewString()
}

// Get returns the record for (collection, id), tombstones included, or
// common.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection models.Collection, id string) (*models.Record, error) {
	return s.repo.Get(ctx, collection, id)
}

// Put validates payload against the collection schema and writes it as the
// next version of the record: version+1 (or 1 on create), updatedAt=now,
// dirty set. The outbox entry is enqueued in the same transaction.
//
// Writing to a tombstoned id fails with common.ErrDeleted: permanently
// deleted ids are never reused, recreation mints a fresh id.
func (s *Store) Put(ctx context.Context, collection models.Collection, id string, payload json.RawMessage, actor string) (*models.Record, error) {
	mu, err := s.lock(collection)
	if err != nil {
		return nil, err
	}
	if err := models.ValidatePayload(collection, payload); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	var out *models.Record
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := recordsrepo.NewSQLiteRepository(tx)

		op := models.OperationCreate
		version := int64(1)
		existing, err := repo.Get(ctx, collection, id)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if existing != nil {
			if existing.Deleted {
				return fmt.Errorf("put %s/%s: %w", collection, id, common.ErrDeleted)
			}
			op = models.OperationUpdate
			version = existing.Version + 1
		}

		r := &models.Record{
			ID:             id,
			Collection:     collection,
			Version:        version,
			UpdatedAt:      s.now(),
			Dirty:          true,
			LastModifiedBy: actor,
			Payload:        payload,
		}
		if err := repo.Upsert(ctx, r); err != nil {
			return err
		}

		_, err = s.queue.EnqueueTx(ctx, tx, models.OutboxEntry{
			Collection: collection,
			EntityID:   id,
			Operation:  op,
			Snapshot:   payload,
			Version:    r.Version,
			UpdatedAt:  r.UpdatedAt,
		})
		if err != nil {
			return err
		}

		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete soft-deletes the record: the row stays as a tombstone at the next
// version so the deletion can propagate on sync.
func (s *Store) Delete(ctx context.Context, collection models.Collection, id string, actor string) error {
	mu, err := s.lock(collection)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := recordsrepo.NewSQLiteRepository(tx)

		existing, err := repo.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		if existing.Deleted {
			return fmt.Errorf("delete %s/%s: %w", collection, id, common.ErrDeleted)
		}

		existing.Version++
		existing.UpdatedAt = s.now()
		existing.Dirty = true
		existing.Deleted = true
		existing.LastModifiedBy = actor
		if err := repo.Upsert(ctx, existing); err != nil {
			return err
		}

		_, err = s.queue.EnqueueTx(ctx, tx, models.OutboxEntry{
			Collection: collection,
			EntityID:   id,
			Operation:  models.OperationDelete,
			Snapshot:   existing.Payload,
			Version:    existing.Version,
			UpdatedAt:  existing.UpdatedAt,
		})
		return err
	})
}

// QueryOptions bound and order a Query result.
type QueryOptions struct {
	Limit  int
	Offset int
	// SortBy is one of "id" (default), "version", "updatedAt".
	SortBy string
	Desc   bool
}

// Query returns the non-deleted records of a collection matching pred,
// ordered and bounded by opts. It is a pure function of current state:
// re-running it after concurrent writes simply reflects the newer state.
func (s *Store) Query(ctx context.Context, collection models.Collection, pred func(models.Record) bool, opts QueryOptions) ([]models.Record, error) {
	all, err := s.repo.List(ctx, collection, false)
	if err != nil {
		return nil, err
	}

	matched := make([]models.Record, 0, len(all))
	for _, r := range all {
		if pred == nil || pred(r) {
			matched = append(matched, r)
		}
	}

	less := func(a, b models.Record) bool { return a.ID < b.ID }
	switch opts.SortBy {
	case "", "id":
	case "version":
		less = func(a, b models.Record) bool { return a.Version < b.Version }
	case "updatedAt":
		less = func(a, b models.Record) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	default:
		return nil, fmt.Errorf("%w: unknown sort field %q", common.ErrValidation, opts.SortBy)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if opts.Desc {
			return less(matched[j], matched[i])
		}
		return less(matched[i], matched[j])
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// DirtyRecords returns every record (tombstones included) whose latest
// version has not been acknowledged by the server.
func (s *Store) DirtyRecords(ctx context.Context, collection models.Collection) ([]models.Record, error) {
	return s.repo.Dirty(ctx, collection)
}

// RemoteState is the server-authoritative state applied by ApplyRemote.
type RemoteState struct {
	Payload   json.RawMessage
	Version   int64
	UpdatedAt time.Time
	Deleted   bool
	// AllowRollback lets an explicit resolution lower the local version;
	// normal application never does.
	AllowRollback bool
	Actor         string
}

// ApplyRemote writes server-authoritative state for (collection, id) and
// clears the dirty flag. The resulting version is max(local, remote), so
// replaying the same remote state is a no-op after the first application.
func (s *Store) ApplyRemote(ctx context.Context, collection models.Collection, id string, remote RemoteState) (*models.Record, error) {
	mu, err := s.lock(collection)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	var out *models.Record
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := recordsrepo.NewSQLiteRepository(tx)

		version := remote.Version
		existing, err := repo.Get(ctx, collection, id)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if existing != nil && !remote.AllowRollback && existing.Version > version {
			version = existing.Version
		}

		updatedAt := remote.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = s.now()
		}
		actor := remote.Actor
		if actor == "" {
			actor = "server"
		}

		payload := remote.Payload
		if len(payload) == 0 {
			// Tombstones may arrive without data; keep the last known
			// payload so the row stays schema-valid.
			payload = json.RawMessage(`{}`)
			if existing != nil {
				payload = existing.Payload
			}
		}

		r := &models.Record{
			ID:             id,
			Collection:     collection,
			Version:        version,
			UpdatedAt:      updatedAt,
			Dirty:          false,
			Deleted:        remote.Deleted,
			LastModifiedBy: actor,
			Payload:        payload,
		}
		if err := repo.Upsert(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkClean clears the dirty flag for acknowledged entities.
func (s *Store) MarkClean(ctx context.Context, collection models.Collection, ids []string) error {
	mu, err := s.lock(collection)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.repo.MarkClean(ctx, collection, ids)
}
