package events

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("referral decodes into typed payload", func(t *testing.T) {
		ev, err := Decode(UserReferredSuccess, []byte(`{"userId":"userB","referredByUserId":"userA","timestamp":"2025-03-01T10:00:00.000Z"}`))
		require.NoError(t, err)

		ref, ok := ev.(UserReferred)
		require.True(t, ok)
		assert.Equal(t, "userA", ref.ReferredByUserID)
		assert.Equal(t, "referral:userB", ref.DedupKey())
	})

	t.Run("negative squad delta is still a valid message", func(t *testing.T) {
		ev, err := Decode(SquadPointsUpdated, []byte(`{"squadId":"squad456","pointsChange":-10,"reason":"test_negative","timestamp":"2025-03-01T10:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, -10.0, ev.(SquadPointsChanged).PointsChange)
	})

	t.Run("invalid json is malformed", func(t *testing.T) {
		_, err := Decode(UserSpendRecorded, []byte(`{"userId":`))
		assert.True(t, errors.Is(err, ErrMalformed))
	})

	t.Run("wrong field type is malformed", func(t *testing.T) {
		_, err := Decode(UserSpendRecorded, []byte(`{"userId":"u1","amountSpent":"ten","timestamp":"2025-03-01T10:00:00Z"}`))
		assert.True(t, errors.Is(err, ErrMalformed))
	})

	t.Run("missing referrer is malformed", func(t *testing.T) {
		_, err := Decode(UserReferredSuccess, []byte(`{"userId":"userB","timestamp":"2025-03-01T10:00:00Z"}`))
		assert.True(t, errors.Is(err, ErrMalformed))
	})

	t.Run("non-positive spend is malformed", func(t *testing.T) {
		_, err := Decode(UserSpendRecorded, []byte(`{"userId":"u1","amountSpent":0,"timestamp":"2025-03-01T10:00:00Z"}`))
		assert.True(t, errors.Is(err, ErrMalformed))
	})

	t.Run("missing timestamp is malformed", func(t *testing.T) {
		_, err := Decode(UserTierUpdated, []byte(`{"userId":"u1","newTier":"Gold"}`))
		assert.True(t, errors.Is(err, ErrMalformed))
	})

	t.Run("unknown routing key", func(t *testing.T) {
		_, err := Decode("user.points.updated", []byte(`{}`))
		assert.True(t, errors.Is(err, ErrUnknownRoutingKey))
	})
}

func TestDedupKeyStableAcrossRedelivery(t *testing.T) {
	body := []byte(`{"userId":"u1","amountSpent":12.5,"currency":"USDC","timestamp":"2025-03-01T10:00:00Z"}`)
	first, err := Decode(UserSpendRecorded, body)
	require.NoError(t, err)
	second, err := Decode(UserSpendRecorded, body)
	require.NoError(t, err)
	assert.Equal(t, first.DedupKey(), second.DedupKey())

	other, err := Decode(UserSpendRecorded, []byte(`{"userId":"u1","amountSpent":12.5,"currency":"USDC","timestamp":"2025-03-01T10:00:01Z"}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.DedupKey(), other.DedupKey())
}

func TestDecodeCompletion(t *testing.T) {
	c, err := DecodeCompletion([]byte(`{"questId":"q1","questTitle":"Q","scope":"squad","squadId":"s1","completedAt":"2025-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", c.SquadID)

	_, err = DecodeCompletion([]byte(`{"questId":"q1","scope":"squad"}`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = DecodeCompletion([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDedupKeyPrefersMessageID(t *testing.T) {
	body := []byte(`{"userId":"u1","amountSpent":12.5,"currency":"USDC","timestamp":"2025-03-01T10:00:00Z"}`)
	ev, err := Decode(UserSpendRecorded, body)
	require.NoError(t, err)

	first := WithMessageID(ev, "m-1")
	second := WithMessageID(ev, "m-2")
	assert.NotEqual(t, first.DedupKey(), second.DedupKey(), "identical purchases with distinct ids both count")
	assert.Equal(t, first.DedupKey(), WithMessageID(ev, "m-1").DedupKey())
	assert.Equal(t, ev.DedupKey(), WithMessageID(ev, "").DedupKey())

	squad, err := Decode(SquadPointsUpdated, []byte(`{"squadId":"s1","pointsChange":5,"reason":"win","timestamp":"2025-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "squad_points:msg:m-1", WithMessageID(squad, "m-1").DedupKey())

	ref, err := Decode(UserReferredSuccess, []byte(`{"userId":"userB","referredByUserId":"userA","timestamp":"2025-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "referral:userB", WithMessageID(ref, "m-1").DedupKey())
}
