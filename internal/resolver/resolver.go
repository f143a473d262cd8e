// Package resolver decides what happens when client and server diverge on
// the same entity. It is pure: it never touches storage, the coordinator
// performs every write a resolution implies.
//
// Automatic precedence, first match wins:
//
//  1. delete-wins: a tombstone on either side beats everything. A side
//     that un-deletes concurrently loses; that asymmetry is accepted.
//  2. status-priority: done > pendingApproval > open, regardless of
//     timestamps. Applies only when both sides carry a known status.
//  3. last-writer-wins: strictly later updatedAt (UTC, no tolerance
//     window). Equal timestamps are never auto-resolved.
//  4. manual review: everything else.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

// Strategy names the rule that produced a resolution.
type Strategy string

const (
	StrategyDeleteWins     Strategy = "deleteWins"
	StrategyStatusPriority Strategy = "statusPriority"
	StrategyLastWriterWins Strategy = "lastWriterWins"
	StrategyMerge          Strategy = "merge"
	StrategyManual         Strategy = "manual"
)

// ErrNotMergeable is returned by Merge when CanMerge is false.
var ErrNotMergeable = errors.New("conflict is not mergeable")

// Resolution is the authoritative outcome for a diverged entity.
type Resolution struct {
	Strategy  Strategy
	Payload   json.RawMessage
	Deleted   bool
	Version   int64
	UpdatedAt time.Time
	// NeedsManualReview means no authoritative payload was produced and
	// the conflict must be surfaced for an explicit choice.
	NeedsManualReview bool
	// Unmerged lists fields Merge could not combine; they keep the client
	// value in Payload until the caller picks explicitly.
	Unmerged []string
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a.UTC()
	}
	return b.UTC()
}

// Resolve applies the automatic precedence rules to a client/server pair
// for the same entity id.
func Resolve(client, server models.Record) Resolution {
	version := maxVersion(client.Version, server.Version)

	// Rule 1: delete-wins.
	if client.Deleted || server.Deleted {
		winner := server
		if client.Deleted {
			winner = client
		}
		return Resolution{
			Strategy:  StrategyDeleteWins,
			Payload:   winner.Payload,
			Deleted:   true,
			Version:   version,
			UpdatedAt: winner.UpdatedAt.UTC(),
		}
	}

	// Rule 2: status-priority, when both sides carry a known status and
	// they differ in rank.
	clientStatus, clientOK := models.StatusOf(client.Payload)
	serverStatus, serverOK := models.StatusOf(server.Payload)
	if clientOK && serverOK && clientStatus.Rank() >= 0 && serverStatus.Rank() >= 0 &&
		clientStatus.Rank() != serverStatus.Rank() {
		winner := server
		if clientStatus.Rank() > serverStatus.Rank() {
			winner = client
		}
		return Resolution{
			Strategy:  StrategyStatusPriority,
			Payload:   winner.Payload,
			Version:   version,
			UpdatedAt: winner.UpdatedAt.UTC(),
		}
	}

	// Rule 3: strict last-writer-wins; ties fall through.
	if client.UpdatedAt.After(server.UpdatedAt) {
		return Resolution{
			Strategy:  StrategyLastWriterWins,
			Payload:   client.Payload,
			Version:   version,
			UpdatedAt: client.UpdatedAt.UTC(),
		}
	}
	if server.UpdatedAt.After(client.UpdatedAt) {
		return Resolution{
			Strategy:  StrategyLastWriterWins,
			Payload:   server.Payload,
			Version:   version,
			UpdatedAt: server.UpdatedAt.UTC(),
		}
	}

	// Rule 4: manual review, no resolved payload.
	return Resolution{
		Strategy:          StrategyManual,
		Version:           version,
		NeedsManualReview: true,
	}
}

// Classify names the kind of divergence, for the conflict record.
func Classify(client, server models.Record) models.ConflictKind {
	if client.Deleted || server.Deleted {
		return models.ConflictDeleteUpdate
	}
	if server.Version < client.Version {
		return models.ConflictVersionRollback
	}
	clientStatus, clientOK := models.StatusOf(client.Payload)
	serverStatus, serverOK := models.StatusOf(server.Payload)
	if clientOK && serverOK && clientStatus != serverStatus {
		return models.ConflictStatus
	}
	return models.ConflictConcurrentUpdate
}

// CanMerge reports whether field-level merging is possible. Deletion is not
// mergeable with any other change.
func CanMerge(c models.ConflictRecord) bool {
	return !c.ClientDeleted && !c.ServerDeleted
}

// Merge combines both payloads field by field: set-valued fields merge by
// union, numeric fields by max, equal fields pass through. Any other
// differing field keeps the client value and is listed in Unmerged for the
// caller's explicit pick.
func Merge(c models.ConflictRecord) (Resolution, error) {
	if !CanMerge(c) {
		return Resolution{}, ErrNotMergeable
	}

	clientFields, err := models.PayloadFields(c.ClientSnapshot)
	if err != nil {
		return Resolution{}, fmt.Errorf("merge client payload: %w", err)
	}
	serverFields, err := models.PayloadFields(c.ServerSnapshot)
	if err != nil {
		return Resolution{}, fmt.Errorf("merge server payload: %w", err)
	}

	merged := make(map[string]any, len(clientFields)+len(serverFields))
	var unmerged []string

	for _, key := range unionKeys(clientFields, serverFields) {
		clientValue, inClient := clientFields[key]
		serverValue, inServer := serverFields[key]

		switch {
		case !inServer:
			merged[key] = clientValue
		case !inClient:
			merged[key] = serverValue
		case reflect.DeepEqual(clientValue, serverValue):
			merged[key] = clientValue
		default:
			value, ok := mergeField(clientValue, serverValue)
			if !ok {
				merged[key] = clientValue
				unmerged = append(unmerged, key)
				continue
			}
			merged[key] = value
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("marshal merged payload: %w", err)
	}

	return Resolution{
		Strategy:          StrategyMerge,
		Payload:           payload,
		Version:           maxVersion(c.ClientVersion, c.ServerVersion),
		UpdatedAt:         laterOf(c.ClientUpdatedAt, c.ServerUpdatedAt),
		NeedsManualReview: len(unmerged) > 0,
		Unmerged:          unmerged,
	}, nil
}

// mergeField combines two differing values when a field-level rule exists:
// union for arrays, max for numbers.
func mergeField(clientValue, serverValue any) (any, bool) {
	if clientList, ok := clientValue.([]any); ok {
		serverList, ok := serverValue.([]any)
		if !ok {
			return nil, false
		}
		return unionList(clientList, serverList), true
	}
	if clientNum, ok := clientValue.(float64); ok {
		serverNum, ok := serverValue.(float64)
		if !ok {
			return nil, false
		}
		return math.Max(clientNum, serverNum), true
	}
	return nil, false
}

// unionList appends the server elements missing from the client list,
// preserving client order. Element identity is structural (canonical JSON).
func unionList(client, server []any) []any {
	seen := make(map[string]struct{}, len(client))
	out := make([]any, 0, len(client)+len(server))
	for _, v := range client {
		seen[canonical(v)] = struct{}{}
		out = append(out, v)
	}
	for _, v := range server {
		if _, ok := seen[canonical(v)]; ok {
			continue
		}
		seen[canonical(v)] = struct{}{}
		out = append(out, v)
	}
	return out
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// FieldDiff is one field's client/server pair for manual review.
type FieldDiff struct {
	ClientValue any
	ServerValue any
	HasConflict bool
}

// Diff produces a field-by-field comparison of both snapshots. HasConflict
// is set wherever the values differ structurally, including a field present
// on only one side.
func Diff(c models.ConflictRecord) (map[string]FieldDiff, error) {
	clientFields, err := models.PayloadFields(c.ClientSnapshot)
	if err != nil {
		return nil, fmt.Errorf("diff client payload: %w", err)
	}
	serverFields, err := models.PayloadFields(c.ServerSnapshot)
	if err != nil {
		return nil, fmt.Errorf("diff server payload: %w", err)
	}

	out := make(map[string]FieldDiff, len(clientFields)+len(serverFields))
	for _, key := range unionKeys(clientFields, serverFields) {
		d := FieldDiff{ClientValue: clientFields[key], ServerValue: serverFields[key]}
		d.HasConflict = !reflect.DeepEqual(d.ClientValue, d.ServerValue)
		out[key] = d
	}
	return out, nil
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
