// Package transport defines the delta-sync wire contract and the HTTP
// client that exchanges it with the remote authority. Retries and backoff
// are the outbox's responsibility, not the transport's: a call here is one
// attempt.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Change is one entity mutation on the wire, in either direction.
type Change struct {
	EntityType string          `json:"entityType"`
	Operation  string          `json:"operation"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Conflict is a divergence the authority detected for a pending change.
type Conflict struct {
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	ClientVersion int64           `json:"clientVersion"`
	ServerVersion int64           `json:"serverVersion"`
	ClientData    json.RawMessage `json:"clientData,omitempty"`
	ServerData    json.RawMessage `json:"serverData,omitempty"`
	ConflictType  string          `json:"conflictType"`
}

// DeltaRequest asks for everything that changed since the per-collection
// markers and carries the client's pending changes.
type DeltaRequest struct {
	LastSyncTimestamps map[string]time.Time `json:"lastSyncTimestamps"`
	PendingChanges     []Change             `json:"pendingChanges"`
}

// DeltaResponse returns server changes, detected conflicts and the
// authoritative timestamp to persist as the next change-since marker.
type DeltaResponse struct {
	ServerChanges []Change   `json:"serverChanges"`
	Conflicts     []Conflict `json:"conflicts"`
	SyncTimestamp time.Time  `json:"syncTimestamp"`
}

// Client is the transport consumed by the sync coordinator.
type Client interface {
	// Exchange performs the single round trip of one sync cycle.
	Exchange(ctx context.Context, req *DeltaRequest) (*DeltaResponse, error)
	// Ping probes reachability; the connectivity watcher uses it to
	// detect the transition back to reachable.
	Ping(ctx context.Context) error
}
