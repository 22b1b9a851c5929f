package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quest-pipeline/models"
	"quest-pipeline/store"
)

const expiredBeforeActivationNote = "Expired before activation window."

// LifecycleService ages quests: scheduled → active, active → expired and
// scheduled → expired.
type LifecycleService struct {
	store              *store.Store
	notifier           NotificationSink
	broadcastRecipient string
	grace              time.Duration
	logger             zerolog.Logger
	now                func() time.Time
}

// LifecycleConfig holds the optional knobs of the lifecycle service.
type LifecycleConfig struct {
	// BroadcastRecipient receives "new quest" announcements; empty disables them.
	BroadcastRecipient string
	// ExpiryGrace leaves quests whose end_ts is within the window for the next
	// tick so an in-flight completion can win.
	ExpiryGrace time.Duration
}

func NewLifecycleService(st *store.Store, notifier NotificationSink, cfg LifecycleConfig, logger zerolog.Logger) *LifecycleService {
	return &LifecycleService{
		store:              st,
		notifier:           notifier,
		broadcastRecipient: cfg.BroadcastRecipient,
		grace:              cfg.ExpiryGrace,
		logger:             logger.With().Str("component", "quest_lifecycle").Logger(),
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// TickReport summarizes one lifecycle pass.
type TickReport struct {
	Activated        int
	Expired          int
	ExpiredScheduled int
	Notified         int
}

// Tick runs one full pass. A failing step is logged and does not stop the
// remaining steps; the first error is returned.
func (l *LifecycleService) Tick(ctx context.Context) (TickReport, error) {
	var (
		report   TickReport
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	activated, notified, err := l.ActivateScheduledQuests(ctx)
	report.Activated, report.Notified = activated, notified
	keep(err)

	expired, notified, err := l.ExpireOverdueQuests(ctx)
	report.Expired = expired
	report.Notified += notified
	keep(err)

	report.ExpiredScheduled, err = l.ExpireStaleScheduledQuests(ctx)
	keep(err)

	if report != (TickReport{}) {
		l.logger.Info().
			Int("activated", report.Activated).
			Int("expired", report.Expired).
			Int("expired_scheduled", report.ExpiredScheduled).
			Int("notified", report.Notified).
			Msg("lifecycle tick")
	}
	return report, firstErr
}

// ActivateScheduledQuests opens every scheduled quest whose window started.
func (l *LifecycleService) ActivateScheduledQuests(ctx context.Context) (int, int, error) {
	quests, err := l.store.DueScheduledQuests(ctx, l.now())
	if err != nil {
		return 0, 0, err
	}
	activated, notified := 0, 0
	for i := range quests {
		q := &quests[i]
		won, err := l.store.TransitionQuest(ctx, q.ID, models.QuestStatusScheduled, models.QuestStatusActive, "")
		if err != nil {
			return activated, notified, err
		}
		if !won {
			continue
		}
		activated++
		l.logger.Info().Str("quest_id", q.ID).Str("title", q.Title).Msg("✅ quest activated")

		if l.broadcastRecipient == "" {
			continue
		}
		if l.send(ctx, models.Notification{
			RecipientID:       l.broadcastRecipient,
			Type:              models.NotificationQuestNewlyActive,
			Title:             "New Quest Active: " + q.Title,
			Message:           fmt.Sprintf("A %s quest %q has just started!", q.Scope, q.Title),
			CtaURL:            questURL(q),
			RelatedQuestID:    q.ID,
			RelatedQuestTitle: q.Title,
		}) {
			notified++
		}
	}
	return activated, notified, nil
}

// ExpireOverdueQuests closes active quests past end_ts (minus the grace
// window) and tells every participant the goal was not met.
func (l *LifecycleService) ExpireOverdueQuests(ctx context.Context) (int, int, error) {
	quests, err := l.store.OverdueActiveQuests(ctx, l.now().Add(-l.grace))
	if err != nil {
		return 0, 0, err
	}
	expired, notified := 0, 0
	for i := range quests {
		q := &quests[i]
		won, err := l.store.TransitionQuest(ctx, q.ID, models.QuestStatusActive, models.QuestStatusExpired, "")
		if err != nil {
			return expired, notified, err
		}
		if !won {
			continue
		}
		expired++

		participants, err := l.participants(ctx, q)
		if err != nil {
			l.logger.Error().Err(err).Str("quest_id", q.ID).Msg("failed to list participants of expired quest")
			continue
		}
		l.logger.Info().Str("quest_id", q.ID).Int("participants", len(participants)).Msg("⌛ quest expired")

		for _, p := range participants {
			if l.send(ctx, models.Notification{
				RecipientID:       p,
				Type:              models.NotificationQuestFailed,
				Title:             "Quest Expired: " + q.Title,
				Message:           fmt.Sprintf("The %s quest %q has ended and the goal was not met. Better luck next time!", q.Scope, q.Title),
				CtaURL:            questURL(q),
				RelatedQuestID:    q.ID,
				RelatedQuestTitle: q.Title,
			}) {
				notified++
			}
		}
	}
	return expired, notified, nil
}

// ExpireStaleScheduledQuests closes scheduled quests that never opened.
func (l *LifecycleService) ExpireStaleScheduledQuests(ctx context.Context) (int, error) {
	quests, err := l.store.StaleScheduledQuests(ctx, l.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, q := range quests {
		won, err := l.store.TransitionQuest(ctx, q.ID, models.QuestStatusScheduled, models.QuestStatusExpired, expiredBeforeActivationNote)
		if err != nil {
			return expired, err
		}
		if won {
			expired++
		}
	}
	return expired, nil
}

// participants of a community quest are its positive contributors; for a
// squad quest, members of every squad that contributed but fell short.
func (l *LifecycleService) participants(ctx context.Context, q *models.Quest) ([]string, error) {
	if q.Scope != models.ScopeSquad {
		return l.store.CommunityContributors(ctx, q.ID, true)
	}

	squads, err := l.store.ContributingSquads(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]bool{}
	for _, squadID := range squads {
		progress, err := l.store.SquadProgress(ctx, q.ID, squadID)
		if err != nil {
			return nil, err
		}
		if progress >= q.CompletionGoal() {
			continue
		}
		roster, err := l.store.SquadRoster(ctx, squadID)
		if err != nil {
			l.logger.Warn().Err(err).Str("squad_id", squadID).Msg("cannot resolve squad roster")
			continue
		}
		for _, w := range everyone(roster) {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out, nil
}

func (l *LifecycleService) send(ctx context.Context, n models.Notification) bool {
	if err := l.notifier.CreateNotification(ctx, n); err != nil {
		l.logger.Error().Err(err).Str("recipient", n.RecipientID).Str("type", n.Type).Msg("failed to create notification")
		return false
	}
	return true
}
