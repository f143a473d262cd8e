// Package common defines shared constants and sentinel errors used across
// the sync core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Local-write errors, surfaced synchronously to the caller.
	ErrValidation = errors.New("validation error")
	ErrDeleted    = errors.New("entity permanently deleted")

	// Sync-cycle errors.
	ErrTransient          = errors.New("transient transport error")
	ErrPermanentRejection = errors.New("permanent server rejection")
	ErrCycleRunning       = errors.New("sync cycle already running")

	// Fatal storage error: sync for the affected collection halts and the
	// condition is surfaced to the operator, never silently swallowed.
	ErrStorageCorruption = errors.New("storage corruption")
)
