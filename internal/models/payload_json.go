package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// extraFields returns the top-level members of raw that are not in known.
// Nil when there are none, so payloads without server-added fields compare
// clean in tests.
func extraFields(raw []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra marshals v and folds extra back in. Known fields always win
// over a stale extra of the same name.
func mergeExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := all[k]; !ok {
			all[k] = val
		}
	}
	// Deterministic output keeps idempotent-replay comparisons stable.
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []byte("{")
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		out = append(out, kb...)
		out = append(out, ':')
		out = append(out, all[k]...)
	}
	out = append(out, '}')
	return out, nil
}

func (p *TaskPayload) UnmarshalJSON(b []byte) error {
	type alias TaskPayload
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := extraFields(b, "title", "status", "assignees", "points")
	if err != nil {
		return fmt.Errorf("task payload extras: %w", err)
	}
	*p = TaskPayload(a)
	p.Extra = extra
	return nil
}

func (p TaskPayload) MarshalJSON() ([]byte, error) {
	type alias TaskPayload
	return mergeExtra(alias(p), p.Extra)
}

func (p *EventPayload) UnmarshalJSON(b []byte) error {
	type alias EventPayload
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := extraFields(b, "title", "startsAt", "endsAt", "attendees")
	if err != nil {
		return fmt.Errorf("event payload extras: %w", err)
	}
	*p = EventPayload(a)
	p.Extra = extra
	return nil
}

func (p EventPayload) MarshalJSON() ([]byte, error) {
	type alias EventPayload
	return mergeExtra(alias(p), p.Extra)
}

func (p *LedgerEntryPayload) UnmarshalJSON(b []byte) error {
	type alias LedgerEntryPayload
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := extraFields(b, "actorId", "amount", "reason")
	if err != nil {
		return fmt.Errorf("ledger payload extras: %w", err)
	}
	*p = LedgerEntryPayload(a)
	p.Extra = extra
	return nil
}

func (p LedgerEntryPayload) MarshalJSON() ([]byte, error) {
	type alias LedgerEntryPayload
	return mergeExtra(alias(p), p.Extra)
}
