// workers/progress_reconciler.go
package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"quest-pipeline/cache"
	"quest-pipeline/models"
	"quest-pipeline/store"
)

// ProgressWriter is the cache side the reconciler refreshes.
type ProgressWriter interface {
	Set(ctx context.Context, questID, squadID string, p cache.Progress) error
}

// ProgressReconciler periodically rewrites cached progress of active quests
// from the store, repairing entries missed during a cache outage.
type ProgressReconciler struct {
	store    *store.Store
	cache    ProgressWriter
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProgressReconciler(st *store.Store, progress ProgressWriter, interval time.Duration, logger zerolog.Logger) *ProgressReconciler {
	return &ProgressReconciler{
		store:    st,
		cache:    progress,
		interval: interval,
		logger:   logger.With().Str("component", "progress_reconciler").Logger(),
		now:      time.Now,
	}
}

func (w *ProgressReconciler) Start(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Msg("🔁 starting progress reconciler")
	go w.run(ctx)
}

func (w *ProgressReconciler) run(ctx context.Context) {
	if _, err := w.Reconcile(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("⚠️ initial reconcile failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Reconcile(ctx); err != nil {
				w.logger.Error().Err(err).Msg("❌ reconcile failed")
			}
		case <-ctx.Done():
			w.logger.Info().Msg("⏹️ progress reconciler stopped")
			return
		}
	}
}

// Reconcile refreshes every active quest and returns how many cache entries
// were written. It stops at the first cache failure since the rest would
// fail the same way.
func (w *ProgressReconciler) Reconcile(ctx context.Context) (int, error) {
	now := w.now().UTC()
	quests, err := w.store.ActiveQuests(ctx, now)
	if err != nil {
		return 0, err
	}

	written := 0
	for i := range quests {
		q := &quests[i]
		n, err := w.reconcileQuest(ctx, q, now)
		written += n
		if err != nil {
			return written, err
		}
	}
	w.logger.Debug().Int("quests", len(quests)).Int("entries", written).Msg("[RECONCILE] progress refreshed")
	return written, nil
}

func (w *ProgressReconciler) reconcileQuest(ctx context.Context, q *models.Quest, now time.Time) (int, error) {
	if q.Scope != models.ScopeSquad {
		current, err := w.store.CommunityProgress(ctx, q.ID)
		if err != nil {
			return 0, err
		}
		if err := w.cache.Set(ctx, q.ID, "", cache.Progress{Current: current, Goal: q.CompletionGoal(), UpdatedAt: now}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	squads, err := w.store.SquadsWithRows(ctx, q.ID)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, squadID := range squads {
		current, err := w.store.SquadProgress(ctx, q.ID, squadID)
		if err != nil {
			return written, err
		}
		if err := w.cache.Set(ctx, q.ID, squadID, cache.Progress{Current: current, Goal: q.CompletionGoal(), UpdatedAt: now}); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
