package models

import (
	"encoding/json"
	"time"
)

// ConflictKind classifies a detected divergence between client and server
// state for the same entity id.
type ConflictKind string

const (
	ConflictStatus           ConflictKind = "status"
	ConflictDeleteUpdate     ConflictKind = "delete_update"
	ConflictConcurrentUpdate ConflictKind = "concurrent_update"
	ConflictVersionRollback  ConflictKind = "version_rollback"
)

// ResolutionChoice is an explicit manual decision for a conflict that the
// automatic rules could not settle.
type ResolutionChoice string

const (
	ChoiceKeepClient ResolutionChoice = "keep_client"
	ChoiceKeepServer ResolutionChoice = "keep_server"
	ChoiceMerge      ResolutionChoice = "merge"
)

// ConflictRecord captures both sides of a divergence so it can be resolved
// later, automatically or by an external actor. Conflicts are never
// discarded: a record stays in the pending partition until a resolution
// is applied.
type ConflictRecord struct {
	ID              string
	Collection      Collection
	EntityID        string
	ClientVersion   int64
	ServerVersion   int64
	ClientSnapshot  json.RawMessage
	ServerSnapshot  json.RawMessage
	ClientUpdatedAt time.Time
	ServerUpdatedAt time.Time
	ClientDeleted   bool
	ServerDeleted   bool
	Kind            ConflictKind
	// Resolution is empty until the conflict leaves the pending partition.
	Resolution ResolutionChoice
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// Pending reports whether the conflict still needs a decision.
func (c *ConflictRecord) Pending() bool {
	return c.ResolvedAt == nil
}

// ClientRecord reconstructs the client side as a Record for the resolver.
func (c *ConflictRecord) ClientRecord() Record {
	return Record{
		ID:         c.EntityID,
		Collection: c.Collection,
		Version:    c.ClientVersion,
		UpdatedAt:  c.ClientUpdatedAt,
		Deleted:    c.ClientDeleted,
		Payload:    c.ClientSnapshot,
	}
}

// ServerRecord reconstructs the server side as a Record for the resolver.
func (c *ConflictRecord) ServerRecord() Record {
	return Record{
		ID:         c.EntityID,
		Collection: c.Collection,
		Version:    c.ServerVersion,
		UpdatedAt:  c.ServerUpdatedAt,
		Deleted:    c.ServerDeleted,
		Payload:    c.ServerSnapshot,
	}
}
