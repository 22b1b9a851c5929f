package workers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest-pipeline/cache"
	"quest-pipeline/models"
	"quest-pipeline/store"
	"quest-pipeline/store/storetest"
)

func activeQuest(t *testing.T, st *store.Store, q models.Quest) *models.Quest {
	t.Helper()
	q.Title = "Quest"
	q.Status = models.QuestStatusActive
	q.StartTS = time.Now().Add(-time.Hour)
	q.EndTS = time.Now().Add(time.Hour)
	require.NoError(t, st.CreateQuest(context.Background(), &q))
	return &q
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	mr := miniredis.RunT(t)
	pc := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cache.DefaultKeyPrefix, 0)

	community := activeQuest(t, st, models.Quest{Scope: models.ScopeCommunity, GoalType: models.GoalAggregateSpend, GoalTarget: 100})
	squad := activeQuest(t, st, models.Quest{Scope: models.ScopeSquad, GoalType: models.GoalTotalSquadPoints, GoalTarget: 50})
	ended := &models.Quest{Title: "Old", Status: models.QuestStatusActive, Scope: models.ScopeCommunity, GoalType: models.GoalTotalReferrals, GoalTarget: 1,
		StartTS: time.Now().Add(-48 * time.Hour), EndTS: time.Now().Add(-24 * time.Hour)}
	require.NoError(t, st.CreateQuest(ctx, ended))

	squadA, squadB := "squadA", "squadB"
	for _, d := range []store.ContributionDelta{
		{QuestID: community.ID, ActorID: "u1", Delta: 40, EventKey: "spend:1", At: time.Now()},
		{QuestID: squad.ID, ActorID: squadA, SquadID: &squadA, Delta: 20, EventKey: "squad:1", At: time.Now()},
		{QuestID: squad.ID, ActorID: squadB, SquadID: &squadB, Delta: -5, EventKey: "squad:2", At: time.Now()},
	} {
		_, err := st.ApplyContribution(ctx, d)
		require.NoError(t, err)
	}

	w := NewProgressReconciler(st, pc, time.Minute, zerolog.Nop())
	written, err := w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	p, err := pc.Get(ctx, community.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 40.0, p.Current)
	assert.Equal(t, 100.0, p.Goal)

	p, err = pc.Get(ctx, squad.ID, squadB)
	require.NoError(t, err)
	assert.Equal(t, -5.0, p.Current)

	_, err = pc.Get(ctx, ended.ID, "")
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))
}

func TestReconcileStopsOnCacheOutage(t *testing.T) {
	st := storetest.New(t)
	mr := miniredis.RunT(t)
	pc := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), cache.DefaultKeyPrefix, 0)
	activeQuest(t, st, models.Quest{Scope: models.ScopeCommunity, GoalType: models.GoalTotalReferrals, GoalTarget: 5})
	mr.Close()

	w := NewProgressReconciler(st, pc, time.Minute, zerolog.Nop())
	_, err := w.Reconcile(context.Background())
	assert.True(t, errors.Is(err, cache.ErrUnavailable))
}
