package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
	"github.com/ThaADS/AiFamQuest-sub004/internal/resolver"
	"github.com/ThaADS/AiFamQuest-sub004/internal/store"
)

func jsonUnmarshalLoose(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// PendingConflicts exposes the conflicts awaiting a decision, for the
// surrounding UI.
func (c *Coordinator) PendingConflicts(ctx context.Context) ([]models.ConflictRecord, error) {
	return c.conflicts.ListPending(ctx)
}

// PendingConflictCount is the observability hook of the conflicts store.
func (c *Coordinator) PendingConflictCount(ctx context.Context) (int, error) {
	return c.conflicts.PendingCount(ctx)
}

// ConflictDiff returns the field-by-field comparison of a pending conflict
// for presentation to a reviewer.
func (c *Coordinator) ConflictDiff(ctx context.Context, conflictID string) (map[string]resolver.FieldDiff, error) {
	record, err := c.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	return resolver.Diff(*record)
}

// ResolveManually applies an explicit decision to a pending conflict.
//
//   - keep_server: the server state becomes authoritative, including a
//     version rollback if the server version is lower; the queued local
//     change is dropped.
//   - keep_client: local state stands; it stays dirty/queued and is
//     re-sent on the next cycle.
//   - merge: field-level merge of both snapshots. Fields without a merge
//     rule keep the client value and their names are returned, so the
//     caller can show the reviewer exactly which picks were implicit. The
//     merged payload is written as a new local version and queued for
//     transmission.
//
// The returned slice is non-empty only for merge.
func (c *Coordinator) ResolveManually(ctx context.Context, conflictID string, choice models.ResolutionChoice) ([]string, error) {
	record, err := c.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !record.Pending() {
		return nil, fmt.Errorf("conflict %s: already resolved as %s", conflictID, record.Resolution)
	}

	var unmerged []string
	switch choice {
	case models.ChoiceKeepServer:
		_, err := c.store.ApplyRemote(ctx, record.Collection, record.EntityID, store.RemoteState{
			Payload:       record.ServerSnapshot,
			Version:       record.ServerVersion,
			UpdatedAt:     record.ServerUpdatedAt,
			Deleted:       record.ServerDeleted,
			AllowRollback: true,
			Actor:         "manual-review",
		})
		if err != nil {
			return nil, err
		}
		if err := c.queue.ClearEntity(ctx, record.Collection, record.EntityID); err != nil {
			return nil, err
		}

	case models.ChoiceKeepClient:
		// Nothing to write: the local record is still dirty and queued,
		// the next cycle pushes it again as the client's final word.

	case models.ChoiceMerge:
		res, err := resolver.Merge(*record)
		if err != nil {
			return nil, err
		}
		if _, err := c.store.Put(ctx, record.Collection, record.EntityID, res.Payload, "manual-review"); err != nil {
			return nil, err
		}
		unmerged = res.Unmerged
		if len(unmerged) > 0 {
			c.log.Warn(ctx, "merge kept client values for unmergeable fields",
				"conflict_id", conflictID, "entity_id", record.EntityID, "fields", unmerged)
		}

	default:
		return nil, fmt.Errorf("%w: unknown resolution choice %q", common.ErrValidation, choice)
	}

	if err := c.conflicts.MarkResolved(ctx, conflictID, choice, c.now()); err != nil {
		return nil, err
	}
	c.log.Info(ctx, "conflict resolved manually",
		"conflict_id", conflictID, "entity_id", record.EntityID, "choice", choice)
	return unmerged, nil
}
