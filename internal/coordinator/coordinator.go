// Package coordinator orchestrates sync cycles against the remote
// authority: it gathers local changes, performs the delta exchange,
// reconciles server state and conflicts, and retires acknowledged outbox
// entries. Only one cycle is ever in flight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
	"github.com/ThaADS/AiFamQuest-sub004/internal/logging"
	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
	"github.com/ThaADS/AiFamQuest-sub004/internal/outbox"
	conflictsrepo "github.com/ThaADS/AiFamQuest-sub004/internal/repositories/conflicts"
	syncmetarepo "github.com/ThaADS/AiFamQuest-sub004/internal/repositories/syncmeta"
	"github.com/ThaADS/AiFamQuest-sub004/internal/resolver"
	"github.com/ThaADS/AiFamQuest-sub004/internal/store"
	"github.com/ThaADS/AiFamQuest-sub004/internal/transport"
)

// Phase is the coordinator's position in the cycle state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseGathering   Phase = "gathering"
	PhaseExchanging  Phase = "exchanging"
	PhaseReconciling Phase = "reconciling"
	PhaseFinalizing  Phase = "finalizing"
)

// DefaultCycleTimeout bounds one full cycle including the network round
// trip.
const DefaultCycleTimeout = 30 * time.Second

// CycleStats summarizes one completed cycle.
type CycleStats struct {
	StartedAt    time.Time
	Duration     time.Duration
	Sent         int
	Applied      int
	Resolved     int
	ManualReview int
	Failed       int
}

// Coordinator wires the store, outbox, conflict storage and transport into
// the per-cycle state machine.
type Coordinator struct {
	store       *store.Store
	queue       *outbox.Queue
	conflicts   conflictsrepo.Repository
	meta        syncmetarepo.Repository
	client      transport.Client
	log         logging.Logger
	collections []models.Collection

	timeout time.Duration
	now     func() time.Time

	running  atomic.Bool
	phase    atomic.Value
	requests chan struct{}

	// halted collections hit storage corruption; sync for them stops
	// until the operator intervenes, everything else keeps going.
	haltedMu sync.Mutex
	halted   map[models.Collection]string
}

func New(st *store.Store, queue *outbox.Queue, conflicts conflictsrepo.Repository,
	meta syncmetarepo.Repository, client transport.Client, timeout time.Duration,
	log logging.Logger) *Coordinator {

	if timeout <= 0 {
		timeout = DefaultCycleTimeout
	}
	c := &Coordinator{
		store:       st,
		queue:       queue,
		conflicts:   conflicts,
		meta:        meta,
		client:      client,
		log:         log,
		collections: models.Collections(),
		timeout:     timeout,
		now:         func() time.Time { return time.Now().UTC() },
		requests:    make(chan struct{}, 1),
		halted:      make(map[models.Collection]string),
	}
	c.phase.Store(PhaseIdle)
	return c
}

// Phase returns the current cycle phase.
func (c *Coordinator) Phase() Phase {
	return c.phase.Load().(Phase)
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(p)
}

// Halted reports the collections whose sync stopped on storage corruption,
// with the triggering error text.
func (c *Coordinator) Halted() map[models.Collection]string {
	c.haltedMu.Lock()
	defer c.haltedMu.Unlock()
	out := make(map[models.Collection]string, len(c.halted))
	for k, v := range c.halted {
		out[k] = v
	}
	return out
}

func (c *Coordinator) isHalted(collection models.Collection) bool {
	c.haltedMu.Lock()
	defer c.haltedMu.Unlock()
	_, ok := c.halted[collection]
	return ok
}

func (c *Coordinator) halt(ctx context.Context, collection models.Collection, err error) {
	c.haltedMu.Lock()
	c.halted[collection] = err.Error()
	c.haltedMu.Unlock()
	c.log.Error(ctx, "storage corruption, halting sync for collection",
		"collection", collection, "error", err)
}

func entityKey(collection models.Collection, entityID string) string {
	return string(collection) + "/" + entityID
}

// RunCycle executes one sync cycle. A second concurrent call returns
// common.ErrCycleRunning; local writes are never blocked by a running
// cycle, they are simply picked up next time.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleStats, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, common.ErrCycleRunning
	}
	defer c.running.Store(false)
	defer c.setPhase(PhaseIdle)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stats := &CycleStats{StartedAt: c.now()}
	defer func() { stats.Duration = time.Since(stats.StartedAt) }()

	// Gathering: dirty records plus outbox entries whose backoff elapsed.
	c.setPhase(PhaseGathering)
	req, entries, dirtyOnly, err := c.gather(ctx)
	if err != nil {
		return stats, err
	}
	stats.Sent = len(req.PendingChanges)
	c.log.Debug(ctx, "gathered pending changes", "count", stats.Sent)

	byEntity := make(map[string]models.OutboxEntry, len(entries))
	for _, e := range entries {
		byEntity[entityKey(e.Collection, e.EntityID)] = e
	}

	// Exchanging: the single network round trip of the cycle.
	c.setPhase(PhaseExchanging)
	resp, err := c.client.Exchange(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-cycle: leave the outbox untouched so the
			// next cycle re-requests from the last confirmed marker.
			c.log.Warn(ctx, "sync cycle interrupted", "error", err)
			return stats, fmt.Errorf("sync cycle interrupted: %w", err)
		}
		for _, e := range entries {
			if ferr := c.queue.RecordFailure(ctx, e.EntryID, err); ferr != nil {
				c.log.Error(ctx, "failed to record delivery failure",
					"entry_id", e.EntryID, "error", ferr)
			}
		}
		c.bumpFailures(ctx)
		return stats, fmt.Errorf("delta exchange failed: %w", err)
	}

	// Reconciling: conflicts first, then plain server changes.
	c.setPhase(PhaseReconciling)
	conflicted := make(map[string]bool, len(resp.Conflicts))
	failed := make(map[string]bool)

	for _, wc := range resp.Conflicts {
		key := entityKey(models.Collection(wc.EntityType), wc.EntityID)
		conflicted[key] = true
		if err := c.reconcileConflict(ctx, wc, byEntity, stats); err != nil {
			failed[key] = true
			stats.Failed++
			if entry, ok := byEntity[key]; ok {
				if ferr := c.queue.RecordFailure(ctx, entry.EntryID, err); ferr != nil {
					c.log.Error(ctx, "failed to record conflict failure",
						"entry_id", entry.EntryID, "error", ferr)
				}
			}
			c.log.Error(ctx, "failed to reconcile conflict",
				"collection", wc.EntityType, "entity_id", wc.EntityID, "error", err)
		}
	}

	for _, sc := range resp.ServerChanges {
		collection := models.Collection(sc.EntityType)
		key := entityKey(collection, sc.EntityID)
		if conflicted[key] {
			continue
		}
		if _, pending := byEntity[key]; pending {
			// A local change is in flight for this entity; the server
			// either acked it or reported a conflict above.
			continue
		}
		if c.isHalted(collection) {
			continue
		}
		_, err := c.store.ApplyRemote(ctx, collection, sc.EntityID, store.RemoteState{
			Payload:   sc.Data,
			Version:   sc.Version,
			UpdatedAt: sc.UpdatedAt,
			Deleted:   sc.Operation == string(models.OperationDelete),
		})
		if err != nil {
			if errors.Is(err, common.ErrStorageCorruption) {
				c.halt(ctx, collection, err)
			} else {
				c.log.Error(ctx, "failed to apply server change",
					"collection", collection, "entity_id", sc.EntityID, "error", err)
			}
			stats.Failed++
			continue
		}
		stats.Applied++
	}

	// Finalizing: retire acknowledged entries, advance the sync markers.
	c.setPhase(PhaseFinalizing)
	var acked []models.OutboxEntry
	for _, e := range entries {
		key := entityKey(e.Collection, e.EntityID)
		if conflicted[key] || failed[key] {
			continue
		}
		acked = append(acked, e)
	}
	cleared, err := c.queue.ClearAcked(ctx, acked)
	if err != nil {
		c.bumpFailures(ctx)
		return stats, fmt.Errorf("failed to clear acknowledged entries: %w", err)
	}
	// Dirty records sent without a queue entry (a manual keep-client leaves
	// that state) were acknowledged with the rest of the batch.
	for _, r := range dirtyOnly {
		key := entityKey(r.Collection, r.ID)
		if conflicted[key] || failed[key] || c.isHalted(r.Collection) {
			continue
		}
		cleared[r.Collection] = append(cleared[r.Collection], r.ID)
	}
	for collection, ids := range cleared {
		if err := c.store.MarkClean(ctx, collection, ids); err != nil {
			c.log.Error(ctx, "failed to mark records clean",
				"collection", collection, "error", err)
		}
	}

	for _, collection := range c.collections {
		if c.isHalted(collection) {
			continue
		}
		if err := c.meta.SetLastSyncAt(ctx, collection, resp.SyncTimestamp); err != nil {
			return stats, fmt.Errorf("failed to update sync marker: %w", err)
		}
		if err := c.meta.BumpSuccess(ctx, collection); err != nil {
			return stats, fmt.Errorf("failed to update sync counters: %w", err)
		}
	}

	c.log.Info(ctx, "sync cycle complete",
		"sent", stats.Sent, "applied", stats.Applied, "resolved", stats.Resolved,
		"manual_review", stats.ManualReview, "failed", stats.Failed)
	return stats, nil
}

// gather builds the delta request from per-collection sync markers, dirty
// records and ready outbox entries. Records that are dirty without a queued
// entry are returned separately so Finalizing can mark them clean.
func (c *Coordinator) gather(ctx context.Context) (*transport.DeltaRequest, []models.OutboxEntry, []models.Record, error) {
	req := &transport.DeltaRequest{LastSyncTimestamps: make(map[string]time.Time)}

	entries, err := c.queue.Ready(ctx, c.now())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to gather outbox entries: %w", err)
	}

	kept := entries[:0]
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if c.isHalted(e.Collection) {
			continue
		}
		kept = append(kept, e)
		seen[entityKey(e.Collection, e.EntityID)] = true
		req.PendingChanges = append(req.PendingChanges, transport.Change{
			EntityType: string(e.Collection),
			Operation:  string(e.Operation),
			EntityID:   e.EntityID,
			Version:    e.Version,
			Data:       e.Snapshot,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	entries = kept

	var dirtyOnly []models.Record
	for _, collection := range c.collections {
		if c.isHalted(collection) {
			continue
		}
		m, err := c.meta.Get(ctx, collection)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to read sync metadata: %w", err)
		}
		if !m.LastSyncAt.IsZero() {
			req.LastSyncTimestamps[string(collection)] = m.LastSyncAt
		}

		// Dirty records without a queued entry (left over from a manual
		// keep-client decision) still have to reach the server.
		dirty, err := c.store.DirtyRecords(ctx, collection)
		if err != nil {
			if errors.Is(err, common.ErrStorageCorruption) {
				c.halt(ctx, collection, err)
				continue
			}
			return nil, nil, nil, fmt.Errorf("failed to gather dirty records: %w", err)
		}
		for _, r := range dirty {
			if seen[entityKey(collection, r.ID)] {
				continue
			}
			op := models.OperationUpdate
			if r.Deleted {
				op = models.OperationDelete
			}
			req.PendingChanges = append(req.PendingChanges, transport.Change{
				EntityType: string(collection),
				Operation:  string(op),
				EntityID:   r.ID,
				Version:    r.Version,
				Data:       r.Payload,
				UpdatedAt:  r.UpdatedAt,
			})
			dirtyOnly = append(dirtyOnly, r)
		}
	}

	return req, entries, dirtyOnly, nil
}

// reconcileConflict resolves one server-reported conflict: automatic rules
// first, otherwise a durable conflict record for manual review. The outbox
// entry is cleared only when a resolution was applied.
func (c *Coordinator) reconcileConflict(ctx context.Context, wc transport.Conflict,
	byEntity map[string]models.OutboxEntry, stats *CycleStats) error {

	collection := models.Collection(wc.EntityType)
	if c.isHalted(collection) {
		return fmt.Errorf("%w: collection %s halted", common.ErrStorageCorruption, collection)
	}

	serverRecord := models.Record{
		ID:         wc.EntityID,
		Collection: collection,
		Version:    wc.ServerVersion,
		Payload:    wc.ServerData,
	}
	var serverProbe struct {
		UpdatedAt time.Time `json:"updatedAt"`
		Deleted   bool      `json:"deleted"`
	}
	// The authority annotates conflict data with updatedAt/deleted; absent
	// annotations leave the zero values, which only weakens LWW into a tie.
	_ = jsonUnmarshalLoose(wc.ServerData, &serverProbe)

	clientRecord := models.Record{
		ID:         wc.EntityID,
		Collection: collection,
		Version:    wc.ClientVersion,
		Payload:    wc.ClientData,
	}
	if local, err := c.store.Get(ctx, collection, wc.EntityID); err == nil {
		clientRecord = *local
	} else if !errors.Is(err, common.ErrNotFound) {
		if errors.Is(err, common.ErrStorageCorruption) {
			c.halt(ctx, collection, err)
		}
		return err
	}

	serverRecord.UpdatedAt = serverProbe.UpdatedAt
	serverRecord.Deleted = serverProbe.Deleted || wc.ConflictType == string(models.ConflictDeleteUpdate)

	res := resolver.Resolve(clientRecord, serverRecord)
	if res.NeedsManualReview {
		record := &models.ConflictRecord{
			Collection:      collection,
			EntityID:        wc.EntityID,
			ClientVersion:   clientRecord.Version,
			ServerVersion:   serverRecord.Version,
			ClientSnapshot:  clientRecord.Payload,
			ServerSnapshot:  serverRecord.Payload,
			ClientUpdatedAt: clientRecord.UpdatedAt,
			ServerUpdatedAt: serverRecord.UpdatedAt,
			ClientDeleted:   clientRecord.Deleted,
			ServerDeleted:   serverRecord.Deleted,
			Kind:            resolver.Classify(clientRecord, serverRecord),
		}
		// The server re-reports an unresolved divergence every cycle while
		// the outbox entry stays pending. Refresh the existing record
		// instead of accumulating duplicates.
		existing, err := c.conflicts.FindPendingByEntity(ctx, collection, wc.EntityID)
		switch {
		case err == nil:
			record.ID = existing.ID
			record.DetectedAt = existing.DetectedAt
			if err := c.conflicts.RefreshPending(ctx, record); err != nil {
				return fmt.Errorf("failed to refresh conflict record: %w", err)
			}
		case errors.Is(err, common.ErrNotFound):
			record.ID = uuid.NewString()
			record.DetectedAt = c.now()
			if err := c.conflicts.Insert(ctx, record); err != nil {
				return fmt.Errorf("failed to persist conflict record: %w", err)
			}
		default:
			return fmt.Errorf("failed to look up pending conflict: %w", err)
		}
		stats.ManualReview++
		c.log.Warn(ctx, "conflict needs manual review",
			"collection", collection, "entity_id", wc.EntityID, "kind", record.Kind)
		// The outbox entry stays pending until a human decides.
		return nil
	}

	if _, err := c.store.ApplyRemote(ctx, collection, wc.EntityID, store.RemoteState{
		Payload:   res.Payload,
		Version:   res.Version,
		UpdatedAt: res.UpdatedAt,
		Deleted:   res.Deleted,
		Actor:     "resolver",
	}); err != nil {
		if errors.Is(err, common.ErrStorageCorruption) {
			c.halt(ctx, collection, err)
		}
		return err
	}

	if entry, ok := byEntity[entityKey(collection, wc.EntityID)]; ok {
		if _, err := c.queue.ClearAcked(ctx, []models.OutboxEntry{entry}); err != nil {
			return err
		}
	}
	stats.Resolved++
	return nil
}

func (c *Coordinator) bumpFailures(ctx context.Context) {
	for _, collection := range c.collections {
		if c.isHalted(collection) {
			continue
		}
		if err := c.meta.BumpFailure(ctx, collection); err != nil {
			c.log.Error(ctx, "failed to update failure counter",
				"collection", collection, "error", err)
		}
	}
}
