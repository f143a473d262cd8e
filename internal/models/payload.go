package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
)

// Status is the workflow state of a task-like payload. The order
// open < pendingApproval < done is a fixed total order used by the
// conflict resolver; it is not alphabetical.
type Status string

const (
	StatusOpen            Status = "open"
	StatusPendingApproval Status = "pendingApproval"
	StatusDone            Status = "done"
)

// Rank returns the priority of the status, higher wins. Unknown statuses
// rank below every known one.
func (s Status) Rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusPendingApproval:
		return 1
	case StatusDone:
		return 2
	}
	return -1
}

// TaskPayload is the typed shape of a record in the tasks collection.
// Extra holds server-added fields we do not know about yet, so they
// survive a read-modify-write round trip.
type TaskPayload struct {
	Title     string   `json:"title"`
	Status    Status   `json:"status,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Points    float64  `json:"points,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// EventPayload is the typed shape of a record in the events collection.
type EventPayload struct {
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// LedgerEntryPayload is the typed shape of a record in the ledger collection.
type LedgerEntryPayload struct {
	ActorID string  `json:"actorId"`
	Amount  float64 `json:"amount"`
	Reason  string  `json:"reason,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var errUnknownCollection = errors.New("unknown collection")

// ValidatePayload checks raw against the schema of the given collection.
// Unknown top-level fields are allowed (forward compatibility with
// server-added fields); known fields must have the right types and pass
// the collection's semantic checks. Violations are reported as
// common.ErrValidation.
func ValidatePayload(c Collection, raw json.RawMessage) error {
	switch c {
	case CollectionTasks:
		var p TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: tasks payload: %v", common.ErrValidation, err)
		}
		if p.Title == "" {
			return fmt.Errorf("%w: task title is required", common.ErrValidation)
		}
		if p.Status != "" && p.Status.Rank() < 0 {
			return fmt.Errorf("%w: unknown task status %q", common.ErrValidation, p.Status)
		}
		if p.Points < 0 || math.IsNaN(p.Points) || math.IsInf(p.Points, 0) {
			return fmt.Errorf("%w: task points must be a finite non-negative number", common.ErrValidation)
		}
		return nil
	case CollectionEvents:
		var p EventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: events payload: %v", common.ErrValidation, err)
		}
		if p.Title == "" {
			return fmt.Errorf("%w: event title is required", common.ErrValidation)
		}
		if p.StartsAt.IsZero() {
			return fmt.Errorf("%w: event start time is required", common.ErrValidation)
		}
		if !p.EndsAt.IsZero() && p.EndsAt.Before(p.StartsAt) {
			return fmt.Errorf("%w: event ends before it starts", common.ErrValidation)
		}
		return nil
	case CollectionLedger:
		var p LedgerEntryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: ledger payload: %v", common.ErrValidation, err)
		}
		if p.ActorID == "" {
			return fmt.Errorf("%w: ledger actor id is required", common.ErrValidation)
		}
		if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
			return fmt.Errorf("%w: ledger amount must be finite", common.ErrValidation)
		}
		return nil
	}
	return fmt.Errorf("%w: %v %q", common.ErrValidation, errUnknownCollection, c)
}

// PayloadFields decodes raw into a generic field map. Numbers come out as
// float64 and arrays as []any, which is exactly what the resolver's
// field-level merge rules operate on.
func PayloadFields(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload fields: %w", err)
	}
	return m, nil
}

// StatusOf extracts the status field from raw, if present and non-empty.
func StatusOf(raw json.RawMessage) (Status, bool) {
	var probe struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	if probe.Status == "" {
		return "", false
	}
	return probe.Status, true
}
