package models

import "time"

// SyncMetadata tracks the delta-sync marker and cycle counters for one
// collection. LastSyncAt is the server-reported timestamp of the last
// successful exchange; a zero value means the collection has never synced
// and the next request asks for everything.
type SyncMetadata struct {
	Collection   Collection
	LastSyncAt   time.Time
	SuccessCount int64
	FailureCount int64
}
