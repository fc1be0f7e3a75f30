package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

func TestEncodeJob_UsersWireShape(t *testing.T) {
	job := notify.UsersPush{
		UserIDs: []string{"42"},
		PushOptions: notify.PushOptions{
			Payload:  notify.PushPayload{Title: "New lead", CorrelationID: "c-1"},
			Priority: notify.PriorityHigh,
			TTL:      3600,
		},
	}

	data, err := notify.EncodeJob(job)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"kind": "users",
		"ids": ["42"],
		"payload": {"title": "New lead", "message": "", "correlationId": "c-1"},
		"priority": "high",
		"ttl": 3600
	}`, string(data))
}

func TestDecodeJob(t *testing.T) {
	t.Run("team job", func(t *testing.T) {
		job, err := notify.DecodeJob([]byte(`{"kind":"team","id":"7","payload":{"title":"t","message":"m"}}`))
		require.NoError(t, err)

		team, ok := job.(notify.TeamPush)
		require.True(t, ok, "expected TeamPush, got %T", job)
		assert.Equal(t, "7", team.TeamID)
		assert.Equal(t, "m", team.Options().Payload.Message)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := notify.DecodeJob([]byte(`{"kind":"broadcast","id":"1"}`))
		assert.ErrorIs(t, err, notify.ErrUnknownJobKind)
	})

	t.Run("single target kinds require an id", func(t *testing.T) {
		_, err := notify.DecodeJob([]byte(`{"kind":"agency"}`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := notify.DecodeJob([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestRoomsFor(t *testing.T) {
	env := notify.Envelope{TargetType: notify.TargetUsers, TargetIDs: []string{"1", "", "2"}}
	assert.Equal(t, []string{"user-1", "user-2"}, notify.RoomsFor(env))

	env = notify.Envelope{TargetType: notify.TargetAgency, TargetIDs: []string{"9"}}
	assert.Equal(t, []string{"agency-9"}, notify.RoomsFor(env))

	id := notify.Identity{UserID: "1", TeamID: "7"}
	assert.Equal(t, []string{"user-1", "team-7"}, notify.RoomsForIdentity(id))
}
