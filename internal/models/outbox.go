package models

import (
	"encoding/json"
	"time"
)

// OutboxState partitions the outbox: pending entries await transmission,
// failed entries exceeded the retry ceiling (or were permanently rejected)
// and sit in the dead-letter partition until a user retries them.
type OutboxState string

const (
	OutboxPending OutboxState = "pending"
	OutboxFailed  OutboxState = "failed"
)

// OutboxEntry is one queued local mutation awaiting server acknowledgement.
// It is created in the same transaction as the local write that caused it.
type OutboxEntry struct {
	EntryID    string
	Collection Collection
	EntityID   string
	Operation  Operation
	// Snapshot is the record payload at enqueue time. Coalescing replaces
	// it in place when a later write to the same entity is queued.
	Snapshot      json.RawMessage
	Version       int64
	UpdatedAt     time.Time
	RetryCount    int
	QueuedAt      time.Time
	LastAttemptAt *time.Time
	LastError     string
	State         OutboxState
}
