package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest-pipeline/models"
)

func checkIn(user string, lat, lon float64, at time.Time) models.MeetupCheckIn {
	return models.MeetupCheckIn{ID: user + at.Format("150405"), SquadID: "squad123", UserID: user, Latitude: lat, Longitude: lon, ServerTimestamp: at}
}

func TestHaversine(t *testing.T) {
	// one thousandth of a degree of latitude is about 111 meters
	d := haversineMeters(40.0, -73.0, 40.001, -73.0)
	assert.InDelta(t, 111.2, d, 0.5)
	assert.Zero(t, haversineMeters(1, 2, 1, 2))
}

func TestFindMeetups(t *testing.T) {
	window := 10 * time.Minute

	t.Run("close check-ins form one group", func(t *testing.T) {
		groups := findMeetups([]models.MeetupCheckIn{
			checkIn("a", 40.0, -73.0, day1),
			checkIn("b", 40.0002, -73.0, day1.Add(2*time.Minute)),
			checkIn("c", 40.0, -73.0003, day1.Add(4*time.Minute)),
		}, 3, 100, window)
		require.Len(t, groups, 1)
		assert.Len(t, groups[0], 3)
	})

	t.Run("too far or too late does not count", func(t *testing.T) {
		groups := findMeetups([]models.MeetupCheckIn{
			checkIn("a", 40.0, -73.0, day1),
			checkIn("b", 40.01, -73.0, day1.Add(time.Minute)),
			checkIn("c", 40.0, -73.0, day1.Add(30*time.Minute)),
		}, 2, 100, window)
		assert.Empty(t, groups)
	})

	t.Run("duplicate users are counted once", func(t *testing.T) {
		groups := findMeetups([]models.MeetupCheckIn{
			checkIn("a", 40.0, -73.0, day1),
			checkIn("a", 40.0, -73.0, day1.Add(time.Minute)),
		}, 2, 100, window)
		assert.Empty(t, groups)
	})

	t.Run("users are not reused across groups", func(t *testing.T) {
		groups := findMeetups([]models.MeetupCheckIn{
			checkIn("a", 40.0, -73.0, day1),
			checkIn("b", 40.0, -73.0, day1.Add(time.Minute)),
			checkIn("a", 40.0, -73.0, day1.Add(2*time.Minute)),
			checkIn("c", 41.0, -73.0, day1.Add(3*time.Minute)),
			checkIn("d", 41.0, -73.0, day1.Add(4*time.Minute)),
		}, 2, 100, window)
		require.Len(t, groups, 2)
		assert.Equal(t, "a", groups[0][0].UserID)
		assert.Equal(t, "c", groups[1][0].UserID)
	})
}

func TestMatchQuestCreditsSquad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := day1.Add(time.Hour)
	h.matcher.now = func() time.Time { return now }

	q := h.quest(t, models.Quest{
		Title:              "Coffee Meetup",
		GoalType:           models.GoalSquadMeetup,
		Scope:              models.ScopeSquad,
		GoalTarget:         2,
		GoalTargetMetadata: models.GoalMetadata{ProximityMeters: 50, TimeWindowMinutes: 5},
	})
	for _, c := range []models.MeetupCheckIn{
		{QuestID: q.ID, SquadID: "squad123", UserID: "m1", Latitude: 51.5, Longitude: -0.12, ServerTimestamp: day1},
		{QuestID: q.ID, SquadID: "squad123", UserID: "m2", Latitude: 51.5001, Longitude: -0.12, ServerTimestamp: day1.Add(time.Minute)},
		{QuestID: q.ID, SquadID: "squad999", UserID: "x1", Latitude: 51.5, Longitude: -0.12, ServerTimestamp: day1},
	} {
		c := c
		require.NoError(t, h.store.RecordCheckIn(ctx, &c))
	}

	n, err := h.matcher.MatchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	progress, err := h.store.SquadProgress(ctx, q.ID, "squad123")
	require.NoError(t, err)
	assert.Equal(t, 1.0, progress)

	completions := h.pub.Completions()
	require.Len(t, completions, 1)
	assert.Equal(t, "squad123", completions[0].SquadID)

	cached, err := h.cache.Get(ctx, q.ID, "squad123")
	require.NoError(t, err)
	assert.Equal(t, 1.0, cached.Current)

	pending, err := h.store.PendingCheckIns(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "x1", pending[0].UserID)

	n, err = h.matcher.MatchAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
