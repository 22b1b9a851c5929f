package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quest-pipeline/cache"
	"quest-pipeline/events"
	"quest-pipeline/models"
	"quest-pipeline/store"
	"quest-pipeline/store/storetest"
)

var (
	day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	day1 = day0.Add(24 * time.Hour)
	day9 = day0.Add(9 * 24 * time.Hour)
)

type fakePublisher struct {
	mu          sync.Mutex
	progress    []events.ProgressChanged
	completions []events.QuestCompleted
}

func (f *fakePublisher) PublishProgress(_ context.Context, p events.ProgressChanged) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
}

func (f *fakePublisher) PublishCompletion(_ context.Context, c events.QuestCompleted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, c)
}

func (f *fakePublisher) Progress() []events.ProgressChanged {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.ProgressChanged(nil), f.progress...)
}

func (f *fakePublisher) Completions() []events.QuestCompleted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.QuestCompleted(nil), f.completions...)
}

// flakyCache fails every write while down is set.
type flakyCache struct {
	ProgressWriter
	down bool
}

func (f *flakyCache) Set(ctx context.Context, questID, squadID string, p cache.Progress) error {
	if f.down {
		return errors.Wrap(cache.ErrUnavailable, "connection refused")
	}
	return f.ProgressWriter.Set(ctx, questID, squadID, p)
}

type harness struct {
	store       *store.Store
	cache       *cache.ProgressCache
	pub         *fakePublisher
	notes       *NotificationService
	processor   *ContributionProcessor
	distributor *RewardDistributor
	lifecycle   *LifecycleService
	matcher     *MeetupMatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storetest.New(t)

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	progress := cache.New(client, cache.DefaultKeyPrefix, 0)

	log := zerolog.Nop()
	pub := &fakePublisher{}
	notes := NewNotificationService(st, log)
	processor := NewContributionProcessor(st, progress, pub, log)

	return &harness{
		store:       st,
		cache:       progress,
		pub:         pub,
		notes:       notes,
		processor:   processor,
		distributor: NewRewardDistributor(st, st, notes, log),
		lifecycle:   NewLifecycleService(st, notes, LifecycleConfig{BroadcastRecipient: "system"}, log),
		matcher:     NewMeetupMatcher(st, processor, log),
	}
}

func (h *harness) quest(t *testing.T, q models.Quest) *models.Quest {
	t.Helper()
	if q.Title == "" {
		q.Title = string(q.GoalType) + " quest"
	}
	if q.StartTS.IsZero() {
		q.StartTS = day0
	}
	if q.EndTS.IsZero() {
		q.EndTS = day9
	}
	if q.Status == "" {
		q.Status = models.QuestStatusActive
	}
	if q.Scope == "" {
		q.Scope = models.ScopeCommunity
	}
	require.NoError(t, h.store.CreateQuest(context.Background(), &q))
	return &q
}

func (h *harness) squad(t *testing.T, id, leader string, members ...string) {
	t.Helper()
	require.NoError(t, h.store.CreateSquad(context.Background(), &models.Squad{ID: id, Name: id, LeaderWallet: leader}, members...))
}

func (h *harness) notifications(t *testing.T, recipient string) []models.Notification {
	t.Helper()
	ns, err := h.store.NotificationsFor(context.Background(), recipient)
	require.NoError(t, err)
	return ns
}

func (h *harness) points(t *testing.T, wallet string) int64 {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), wallet)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return acct.Points
}

func rewards(t *testing.T, pairs ...any) []models.RewardDescriptor {
	t.Helper()
	var out []models.RewardDescriptor
	for i := 0; i+1 < len(pairs); i += 2 {
		raw, err := json.Marshal(pairs[i+1])
		require.NoError(t, err)
		out = append(out, models.RewardDescriptor{Type: pairs[i].(string), Value: raw})
	}
	return out
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
