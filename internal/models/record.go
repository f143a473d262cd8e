// Package models defines the core data shapes of the offline sync engine:
// versioned records, outbox entries, conflict records and sync markers.
package models

import (
	"encoding/json"
	"time"
)

// Collection tags the entity type a record belongs to.
type Collection string

const (
	CollectionTasks  Collection = "tasks"
	CollectionEvents Collection = "events"
	CollectionLedger Collection = "ledger_entries"
)

// Collections lists every known collection, in sync order.
func Collections() []Collection {
	return []Collection{CollectionTasks, CollectionEvents, CollectionLedger}
}

// Known reports whether c is one of the closed set of collections.
func (c Collection) Known() bool {
	switch c {
	case CollectionTasks, CollectionEvents, CollectionLedger:
		return true
	}
	return false
}

// Operation classifies a queued mutation.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Record is the versioned local representation of one entity.
//
// Version grows on every local mutation and on every applied remote state;
// it is never reset for a given id. A deleted record stays in storage as a
// tombstone so the deletion can still be propagated.
type Record struct {
	ID             string
	Collection     Collection
	Version        int64
	UpdatedAt      time.Time
	Dirty          bool
	Deleted        bool
	LastModifiedBy string
	Payload        json.RawMessage
}

// Tombstone reports whether the record is a soft-deleted placeholder.
func (r *Record) Tombstone() bool {
	return r.Deleted
}
