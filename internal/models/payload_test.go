package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
)

func TestValidatePayload_Tasks(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"title":"Feed the cat","status":"open","points":5}`, false},
		{"valid without status", `{"title":"Feed the cat"}`, false},
		{"unknown extra field allowed", `{"title":"X","serverOnly":true}`, false},
		{"missing title", `{"status":"open"}`, true},
		{"unknown status", `{"title":"X","status":"paused"}`, true},
		{"negative points", `{"title":"X","points":-1}`, true},
		{"not an object", `[1,2,3]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(CollectionTasks, json.RawMessage(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, common.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidatePayload_Events(t *testing.T) {
	require.NoError(t, ValidatePayload(CollectionEvents,
		json.RawMessage(`{"title":"Dentist","startsAt":"2026-04-01T10:00:00Z","endsAt":"2026-04-01T11:00:00Z"}`)))

	err := ValidatePayload(CollectionEvents, json.RawMessage(`{"title":"Dentist"}`))
	require.ErrorIs(t, err, common.ErrValidation)

	err = ValidatePayload(CollectionEvents,
		json.RawMessage(`{"title":"Dentist","startsAt":"2026-04-01T11:00:00Z","endsAt":"2026-04-01T10:00:00Z"}`))
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestValidatePayload_Ledger(t *testing.T) {
	require.NoError(t, ValidatePayload(CollectionLedger,
		json.RawMessage(`{"actorId":"kid-1","amount":-10,"reason":"spent on screen time"}`)))

	err := ValidatePayload(CollectionLedger, json.RawMessage(`{"amount":5}`))
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestValidatePayload_UnknownCollection(t *testing.T) {
	err := ValidatePayload(Collection("pets"), json.RawMessage(`{}`))
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestStatusRank_TotalOrder(t *testing.T) {
	assert.Greater(t, StatusDone.Rank(), StatusPendingApproval.Rank())
	assert.Greater(t, StatusPendingApproval.Rank(), StatusOpen.Rank())
	assert.Equal(t, -1, Status("bogus").Rank())
}

func TestStatusOf(t *testing.T) {
	status, ok := StatusOf(json.RawMessage(`{"title":"X","status":"done"}`))
	require.True(t, ok)
	assert.Equal(t, StatusDone, status)

	_, ok = StatusOf(json.RawMessage(`{"title":"X"}`))
	assert.False(t, ok)

	_, ok = StatusOf(json.RawMessage(`not json`))
	assert.False(t, ok)
}

func TestTaskPayload_ExtraFieldsSurviveRoundTrip(t *testing.T) {
	in := json.RawMessage(`{"title":"X","status":"open","serverOnly":{"a":1},"flag":true}`)

	var p TaskPayload
	require.NoError(t, json.Unmarshal(in, &p))
	assert.Equal(t, "X", p.Title)
	require.Len(t, p.Extra, 2)

	out, err := json.Marshal(p)
	require.NoError(t, err)

	var round map[string]any
	require.NoError(t, json.Unmarshal(out, &round))
	assert.Equal(t, "X", round["title"])
	assert.Equal(t, true, round["flag"])
	assert.Equal(t, map[string]any{"a": float64(1)}, round["serverOnly"])
}

func TestTaskPayload_KnownFieldWinsOverStaleExtra(t *testing.T) {
	p := TaskPayload{
		Title: "fresh",
		Extra: map[string]json.RawMessage{"title": json.RawMessage(`"stale"`)},
	}
	out, err := json.Marshal(p)
	require.NoError(t, err)

	var round map[string]any
	require.NoError(t, json.Unmarshal(out, &round))
	assert.Equal(t, "fresh", round["title"])
}

func TestPayloadFields(t *testing.T) {
	fields, err := PayloadFields(json.RawMessage(`{"a":1,"b":["x"]}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), fields["a"])

	fields, err = PayloadFields(nil)
	require.NoError(t, err)
	assert.Empty(t, fields)

	_, err = PayloadFields(json.RawMessage(`broken`))
	require.Error(t, err)
}
