package resolver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func taskRecord(t *testing.T, version int64, updatedAt time.Time, deleted bool, payload map[string]any) models.Record {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.Record{
		ID:         "t1",
		Collection: models.CollectionTasks,
		Version:    version,
		UpdatedAt:  updatedAt,
		Deleted:    deleted,
		Payload:    b,
	}
}

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name         string
		client       func(t *testing.T) models.Record
		server       func(t *testing.T) models.Record
		wantStrategy Strategy
		wantManual   bool
		wantDeleted  bool
		wantStatus   models.Status
	}{
		{
			name: "delete vs update, delete wins",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 3, baseTime.Add(time.Hour), true, map[string]any{"title": "X"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 4, baseTime.Add(2*time.Hour), false, map[string]any{"title": "Y"})
			},
			wantStrategy: StrategyDeleteWins,
			wantDeleted:  true,
		},
		{
			name: "delete beats higher status",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 3, baseTime, false, map[string]any{"title": "X", "status": "done"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 3, baseTime, true, map[string]any{"title": "X", "status": "open"})
			},
			wantStrategy: StrategyDeleteWins,
			wantDeleted:  true,
		},
		{
			name: "done beats open on equal timestamps",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "X", "status": "done"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "X", "status": "open"})
			},
			wantStrategy: StrategyStatusPriority,
			wantStatus:   models.StatusDone,
		},
		{
			name: "pendingApproval beats open even when older",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "X", "status": "open"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime.Add(-time.Hour), false, map[string]any{"title": "X", "status": "pendingApproval"})
			},
			wantStrategy: StrategyStatusPriority,
			wantStatus:   models.StatusPendingApproval,
		},
		{
			name: "equal statuses fall through to newer timestamp",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime.Add(time.Minute), false, map[string]any{"title": "newer", "status": "open"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "older", "status": "open"})
			},
			wantStrategy: StrategyLastWriterWins,
		},
		{
			name: "no statuses, newer server wins",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "older"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime.Add(time.Second), false, map[string]any{"title": "newer"})
			},
			wantStrategy: StrategyLastWriterWins,
		},
		{
			name: "tie timestamps with differing titles needs manual review",
			client: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "mine"})
			},
			server: func(t *testing.T) models.Record {
				return taskRecord(t, 2, baseTime, false, map[string]any{"title": "theirs"})
			},
			wantStrategy: StrategyManual,
			wantManual:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.client(t), tt.server(t))

			assert.Equal(t, tt.wantStrategy, res.Strategy)
			assert.Equal(t, tt.wantManual, res.NeedsManualReview)
			assert.Equal(t, tt.wantDeleted, res.Deleted)

			if tt.wantManual {
				assert.Nil(t, res.Payload, "manual review must not carry a resolved payload")
				return
			}
			require.NotNil(t, res.Payload)
			if tt.wantStatus != "" {
				status, ok := models.StatusOf(res.Payload)
				require.True(t, ok)
				assert.Equal(t, tt.wantStatus, status)
			}
		})
	}
}

func TestResolve_StatusConflictEqualTimestamps(t *testing.T) {
	client := taskRecord(t, 5, baseTime, false, map[string]any{"title": "X", "status": "done"})
	server := taskRecord(t, 6, baseTime, false, map[string]any{"title": "X", "status": "open"})

	res := Resolve(client, server)

	assert.Equal(t, StrategyStatusPriority, res.Strategy)
	assert.False(t, res.NeedsManualReview)
	status, ok := models.StatusOf(res.Payload)
	require.True(t, ok)
	assert.Equal(t, models.StatusDone, status)
	assert.Equal(t, int64(6), res.Version, "authoritative version is max of both sides")
}

func TestResolve_VersionIsMaxOfBothSides(t *testing.T) {
	client := taskRecord(t, 9, baseTime.Add(time.Hour), false, map[string]any{"title": "X"})
	server := taskRecord(t, 4, baseTime, false, map[string]any{"title": "Y"})

	res := Resolve(client, server)
	assert.Equal(t, int64(9), res.Version)
}

func conflictRecord(t *testing.T, clientPayload, serverPayload map[string]any) models.ConflictRecord {
	t.Helper()
	cb, err := json.Marshal(clientPayload)
	require.NoError(t, err)
	sb, err := json.Marshal(serverPayload)
	require.NoError(t, err)
	return models.ConflictRecord{
		ID:              "c1",
		Collection:      models.CollectionTasks,
		EntityID:        "t1",
		ClientVersion:   3,
		ServerVersion:   4,
		ClientSnapshot:  cb,
		ServerSnapshot:  sb,
		ClientUpdatedAt: baseTime,
		ServerUpdatedAt: baseTime.Add(time.Minute),
	}
}

func TestMerge_UnionAndMax(t *testing.T) {
	c := conflictRecord(t,
		map[string]any{"title": "X", "assignees": []string{"A", "B"}, "points": 5},
		map[string]any{"title": "X", "assignees": []string{"B", "C"}, "points": 8},
	)

	res, err := Merge(c)
	require.NoError(t, err)

	assert.Equal(t, StrategyMerge, res.Strategy)
	assert.False(t, res.NeedsManualReview)
	assert.Empty(t, res.Unmerged)
	assert.Equal(t, int64(4), res.Version)

	fields, err := models.PayloadFields(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, float64(8), fields["points"])

	got, ok := fields["assignees"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"A", "B", "C"}, got)
}

func TestMerge_UnmergeableFieldKeepsClientValue(t *testing.T) {
	c := conflictRecord(t,
		map[string]any{"title": "mine", "points": 2},
		map[string]any{"title": "theirs", "points": 3},
	)

	res, err := Merge(c)
	require.NoError(t, err)

	assert.True(t, res.NeedsManualReview)
	assert.Equal(t, []string{"title"}, res.Unmerged)

	fields, err := models.PayloadFields(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, "mine", fields["title"])
	assert.Equal(t, float64(3), fields["points"])
}

func TestMerge_OneSidedFieldsPassThrough(t *testing.T) {
	c := conflictRecord(t,
		map[string]any{"title": "X", "note": "local only"},
		map[string]any{"title": "X", "dueDate": "2026-04-01"},
	)

	res, err := Merge(c)
	require.NoError(t, err)
	require.False(t, res.NeedsManualReview)

	fields, err := models.PayloadFields(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, "local only", fields["note"])
	assert.Equal(t, "2026-04-01", fields["dueDate"])
}

func TestCanMerge_FalseWhenDeleteInvolved(t *testing.T) {
	c := conflictRecord(t, map[string]any{"title": "X"}, map[string]any{"title": "Y"})
	assert.True(t, CanMerge(c))

	c.ServerDeleted = true
	assert.False(t, CanMerge(c))

	_, err := Merge(c)
	require.ErrorIs(t, err, ErrNotMergeable)

	c.ServerDeleted = false
	c.ClientDeleted = true
	assert.False(t, CanMerge(c))
}

func TestDiff(t *testing.T) {
	c := conflictRecord(t,
		map[string]any{"title": "mine", "points": 2, "shared": "same"},
		map[string]any{"title": "theirs", "shared": "same", "extra": true},
	)

	diff, err := Diff(c)
	require.NoError(t, err)

	assert.True(t, diff["title"].HasConflict)
	assert.Equal(t, "mine", diff["title"].ClientValue)
	assert.Equal(t, "theirs", diff["title"].ServerValue)

	assert.False(t, diff["shared"].HasConflict)

	assert.True(t, diff["points"].HasConflict, "field missing on one side is a structural difference")
	assert.Nil(t, diff["points"].ServerValue)
	assert.True(t, diff["extra"].HasConflict)
}

func TestClassify(t *testing.T) {
	client := taskRecord(t, 5, baseTime, false, map[string]any{"title": "X", "status": "done"})
	server := taskRecord(t, 6, baseTime, false, map[string]any{"title": "X", "status": "open"})
	assert.Equal(t, models.ConflictStatus, Classify(client, server))

	server.Deleted = true
	assert.Equal(t, models.ConflictDeleteUpdate, Classify(client, server))

	server.Deleted = false
	server.Version = 2
	assert.Equal(t, models.ConflictVersionRollback, Classify(client, server))

	noStatusClient := taskRecord(t, 2, baseTime, false, map[string]any{"title": "A"})
	noStatusServer := taskRecord(t, 3, baseTime, false, map[string]any{"title": "B"})
	assert.Equal(t, models.ConflictConcurrentUpdate, Classify(noStatusClient, noStatusServer))
}
