// Package outbox implements the durable queue of local mutations awaiting
// server acknowledgement: FIFO across entities, coalesced per entity, with
// deterministic retry backoff and a dead-letter partition.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
	"github.com/ThaADS/AiFamQuest-sub004/internal/dbx"
	"github.com/ThaADS/AiFamQuest-sub004/internal/logging"
	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
	outboxrepo "github.com/ThaADS/AiFamQuest-sub004/internal/repositories/outbox"
)

// MaxRetries is the ceiling after which an entry moves to the failed
// partition instead of staying pending.
const MaxRetries = 5

// BackoffDelay returns the delay that must elapse after the last attempt
// before an entry may be retried: min(2^retryCount, 16) seconds.
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 4 {
		return 16 * time.Second
	}
	return time.Duration(1<<uint(retryCount)) * time.Second
}

// Queue is the outbox service. It exclusively owns outbox rows; the entity
// store enqueues through it inside the same transaction as the local write.
type Queue struct {
	db   *sql.DB
	repo outboxrepo.Repository
	mu   sync.Mutex
	now  func() time.Time
	log  logging.Logger
}

func New(db *sql.DB, log logging.Logger) *Queue {
	return &Queue{
		db:   db,
		repo: outboxrepo.NewSQLiteRepository(db),
		now:  func() time.Time { return time.Now().UTC() },
		log:  log,
	}
}

// EnqueueTx queues a mutation using the caller's transaction handle, so the
// local write and its outbox entry commit or roll back together.
//
// Coalescing: a later write for an entity that already has a pending entry
// replaces that entry's snapshot in place instead of appending a duplicate.
// A pending create stays a create (the server has never seen the entity);
// a delete upgrades the pending operation to delete.
func (q *Queue) EnqueueTx(ctx context.Context, tx dbx.DBTX, e models.OutboxEntry) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	repo := outboxrepo.NewSQLiteRepository(tx)

	existing, err := repo.FindPendingByEntity(ctx, e.Collection, e.EntityID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return "", err
	}
	if existing != nil {
		op := e.Operation
		if existing.Operation == models.OperationCreate && op == models.OperationUpdate {
			op = models.OperationCreate
		}
		if err := repo.ReplaceSnapshot(ctx, existing.EntryID, op, e.Snapshot, e.Version, e.UpdatedAt); err != nil {
			return "", err
		}
		q.log.Debug(ctx, "coalesced outbox entry",
			"entry_id", existing.EntryID, "entity_id", e.EntityID, "operation", op)
		return existing.EntryID, nil
	}

	e.EntryID = uuid.NewString()
	e.QueuedAt = q.now()
	e.State = models.OutboxPending
	if err := repo.Insert(ctx, &e); err != nil {
		return "", err
	}
	return e.EntryID, nil
}

// Enqueue queues a mutation outside any caller transaction.
func (q *Queue) Enqueue(ctx context.Context, e models.OutboxEntry) (string, error) {
	return q.EnqueueTx(ctx, q.db, e)
}

// Pending returns all pending entries, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]models.OutboxEntry, error) {
	return q.repo.ListByState(ctx, models.OutboxPending)
}

// Ready returns the pending entries whose backoff delay has elapsed at
// asOf. Entries still inside their delay window are skipped, never
// re-ordered.
func (q *Queue) Ready(ctx context.Context, asOf time.Time) ([]models.OutboxEntry, error) {
	pending, err := q.repo.ListByState(ctx, models.OutboxPending)
	if err != nil {
		return nil, err
	}
	ready := pending[:0]
	for _, e := range pending {
		if e.LastAttemptAt != nil && asOf.Before(e.LastAttemptAt.Add(BackoffDelay(e.RetryCount))) {
			continue
		}
		ready = append(ready, e)
	}
	return ready, nil
}

// Clear removes entries after their mutations were confirmed applied.
func (q *Queue) Clear(ctx context.Context, entryIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repo.Delete(ctx, entryIDs)
}

// ClearAcked removes entries whose queued snapshot the server confirmed.
// An entry coalesced to a newer version mid-cycle is left in place; the
// newer snapshot still needs to go out. Returns the entity ids actually
// retired, per collection.
func (q *Queue) ClearAcked(ctx context.Context, entries []models.OutboxEntry) (map[models.Collection][]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	acked := make(map[models.Collection][]string)
	for _, e := range entries {
		removed, err := q.repo.DeleteMatching(ctx, e.EntryID, e.Version)
		if err != nil {
			return acked, err
		}
		if removed {
			acked[e.Collection] = append(acked[e.Collection], e.EntityID)
		}
	}
	return acked, nil
}

// ClearEntity drops the pending entry for one entity, if any. Used when a
// manual resolution supersedes the queued local change.
func (q *Queue) ClearEntity(ctx context.Context, collection models.Collection, entityID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.repo.FindPendingByEntity(ctx, collection, entityID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return q.repo.Delete(ctx, []string{e.EntryID})
}

// RecordFailure notes a delivery failure. Transient failures consume one
// retry and move the entry to the failed partition once MaxRetries is
// reached; permanent rejections go straight to failed without touching the
// retry budget.
func (q *Queue) RecordFailure(ctx context.Context, entryID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.repo.Get(ctx, entryID)
	if err != nil {
		return err
	}

	retryCount := e.RetryCount
	state := models.OutboxPending
	if errors.Is(cause, common.ErrPermanentRejection) {
		state = models.OutboxFailed
	} else {
		retryCount++
		if retryCount >= MaxRetries {
			state = models.OutboxFailed
		}
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.repo.RecordAttempt(ctx, entryID, retryCount, msg, q.now(), state); err != nil {
		return err
	}
	if state == models.OutboxFailed {
		q.log.Warn(ctx, "outbox entry moved to failed partition",
			"entry_id", entryID, "entity_id", e.EntityID, "retry_count", retryCount, "error", msg)
	}
	return nil
}

// Failed returns the dead-letter partition, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]models.OutboxEntry, error) {
	return q.repo.ListByState(ctx, models.OutboxFailed)
}

// RetryAllFailed moves every failed entry back to pending with a fresh
// retry budget. Returns how many entries were requeued.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.repo.MoveFailedToPending(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info(ctx, "requeued failed outbox entries", "count", n)
	}
	return n, nil
}

// PendingCount and FailedCount expose queue depth so surrounding UI can
// alert on growth; the core itself performs no notification.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.repo.CountByState(ctx, models.OutboxPending)
}

func (q *Queue) FailedCount(ctx context.Context) (int, error) {
	return q.repo.CountByState(ctx, models.OutboxFailed)
}
