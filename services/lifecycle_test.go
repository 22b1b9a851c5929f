package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest-pipeline/models"
	"quest-pipeline/store"
)

func TestLifecycleTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := day1
	h.lifecycle.now = func() time.Time { return now }

	due := h.quest(t, models.Quest{Title: "Spring Referrals", GoalType: models.GoalTotalReferrals, Status: models.QuestStatusScheduled})
	future := h.quest(t, models.Quest{GoalType: models.GoalTotalReferrals, Status: models.QuestStatusScheduled, StartTS: day9, EndTS: day9.Add(time.Hour)})
	stale := h.quest(t, models.Quest{GoalType: models.GoalTotalReferrals, Status: models.QuestStatusScheduled, EndTS: day0.Add(time.Hour)})
	overdue := h.quest(t, models.Quest{Title: "Winter Spend", GoalType: models.GoalAggregateSpend, GoalTarget: 500, EndTS: day0.Add(2 * time.Hour)})

	_, err := h.store.ApplyContribution(ctx, store.ContributionDelta{QuestID: overdue.ID, ActorID: "spender", Delta: 40, At: day0})
	require.NoError(t, err)
	_, err = h.store.ApplyContribution(ctx, store.ContributionDelta{QuestID: overdue.ID, ActorID: "idle", Delta: 0, At: day0})
	require.NoError(t, err)

	report, err := h.lifecycle.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Activated: 1, Expired: 1, ExpiredScheduled: 1, Notified: 2}, report)

	status := func(id string) *models.Quest {
		q, err := h.store.GetQuest(ctx, id)
		require.NoError(t, err)
		return q
	}
	assert.Equal(t, models.QuestStatusActive, status(due.ID).Status)
	assert.Equal(t, models.QuestStatusScheduled, status(future.ID).Status)
	assert.Equal(t, models.QuestStatusExpired, status(overdue.ID).Status)

	got := status(stale.ID)
	assert.Equal(t, models.QuestStatusExpired, got.Status)
	assert.Equal(t, "Expired before activation window.", got.Notes)

	broadcast := h.notifications(t, "system")
	require.Len(t, broadcast, 1)
	assert.Equal(t, models.NotificationQuestNewlyActive, broadcast[0].Type)
	assert.Equal(t, due.ID, broadcast[0].RelatedQuestID)

	failed := h.notifications(t, "spender")
	require.Len(t, failed, 1)
	assert.Equal(t, models.NotificationQuestFailed, failed[0].Type)
	assert.Equal(t, "Quest Expired: Winter Spend", failed[0].Title)
	assert.Empty(t, h.notifications(t, "idle"))

	t.Run("second tick is a no-op", func(t *testing.T) {
		report, err := h.lifecycle.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickReport{}, report)
	})
}

func TestExpiryGraceLeavesRecentQuests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.lifecycle.grace = time.Minute

	q := h.quest(t, models.Quest{GoalType: models.GoalTotalReferrals, EndTS: day1})

	h.lifecycle.now = func() time.Time { return day1.Add(30 * time.Second) }
	expired, _, err := h.lifecycle.ExpireOverdueQuests(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	h.lifecycle.now = func() time.Time { return day1.Add(2 * time.Minute) }
	expired, _, err = h.lifecycle.ExpireOverdueQuests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := h.store.GetQuest(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QuestStatusExpired, got.Status)
}

func TestSucceededQuestIsNeverExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.lifecycle.now = func() time.Time { return day9.Add(time.Hour) }

	q := h.quest(t, models.Quest{GoalType: models.GoalTotalReferrals, Status: models.QuestStatusSucceeded})

	report, err := h.lifecycle.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)

	got, err := h.store.GetQuest(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QuestStatusSucceeded, got.Status)
}

func TestSquadQuestExpiryNotifiesShortSquads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.lifecycle.now = func() time.Time { return day9.Add(time.Hour) }

	h.squad(t, "winners", "w-lead", "w1")
	h.squad(t, "losers", "l-lead", "l1")
	q := h.quest(t, models.Quest{GoalType: models.GoalTotalSquadPoints, Scope: models.ScopeSquad, GoalTarget: 100})

	for squad, pts := range map[string]float64{"winners": 120, "losers": 30} {
		squadID := squad
		_, err := h.store.ApplyContribution(ctx, store.ContributionDelta{QuestID: q.ID, ActorID: squadID, SquadID: &squadID, Delta: pts, At: day1})
		require.NoError(t, err)
	}

	_, notified, err := h.lifecycle.ExpireOverdueQuests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, notified)

	assert.Len(t, h.notifications(t, "l1"), 1)
	assert.Len(t, h.notifications(t, "l-lead"), 1)
	assert.Empty(t, h.notifications(t, "w1"))
}
