package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"

	"quest-pipeline/broker"
	"quest-pipeline/cache"
	"quest-pipeline/events"
	"quest-pipeline/models"
	"quest-pipeline/store"
)

// Publisher is the broker surface the pipeline writes to. Both calls are
// fire-and-forget.
type Publisher interface {
	PublishProgress(ctx context.Context, p events.ProgressChanged)
	PublishCompletion(ctx context.Context, c events.QuestCompleted)
}

// ProgressWriter is the cache surface the processor writes to.
type ProgressWriter interface {
	Set(ctx context.Context, questID, squadID string, p cache.Progress) error
}

// ContributionProcessor turns domain events into quest progress.
type ContributionProcessor struct {
	store     *store.Store
	cache     ProgressWriter
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewContributionProcessor(st *store.Store, progress ProgressWriter, pub Publisher, logger zerolog.Logger) *ContributionProcessor {
	return &ContributionProcessor{
		store:     st,
		cache:     progress,
		publisher: pub,
		logger:    logger.With().Str("component", "contribution_processor").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// contribution is one event's effect on one quest.
type contribution struct {
	actorID     string
	squadID     *string
	delta       float64
	insertOnce  bool
	eventKey    string
	at          time.Time
	contributor string
}

// Handle is the consumer entry point for the contribution queue.
func (p *ContributionProcessor) Handle(ctx context.Context, d broker.Delivery) broker.Result {
	ev, err := events.Decode(d.RoutingKey, d.Body)
	if err != nil {
		p.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping undecodable event")
		return broker.Ack
	}
	return p.HandleEvent(ctx, events.WithMessageID(ev, d.MessageID))
}

// HandleEvent dispatches an already decoded event.
func (p *ContributionProcessor) HandleEvent(ctx context.Context, ev events.Event) broker.Result {
	var err error
	switch e := ev.(type) {
	case events.UserReferred:
		err = p.HandleReferral(ctx, e)
	case events.TierUpdated:
		err = p.HandleTierUpdate(ctx, e)
	case events.SpendRecorded:
		err = p.HandleSpend(ctx, e)
	case events.SquadPointsChanged:
		err = p.HandleSquadPoints(ctx, e)
	default:
		p.logger.Warn().Str("routing_key", ev.RoutingKey()).Msg("no handler for event")
		return broker.Ack
	}
	return resultOf(p.logger.With().Str("routing_key", ev.RoutingKey()).Logger(), err)
}

// HandleReferral credits the referrer with one referral on every matching
// community quest.
func (p *ContributionProcessor) HandleReferral(ctx context.Context, e events.UserReferred) error {
	quests, err := p.store.FindActiveQuests(ctx, models.GoalTotalReferrals, models.ScopeCommunity, e.Timestamp)
	if err != nil {
		return err
	}
	for i := range quests {
		err := p.contribute(ctx, &quests[i], contribution{
			actorID:     e.ReferredByUserID,
			delta:       1,
			eventKey:    e.DedupKey(),
			at:          e.Timestamp,
			contributor: e.ReferredByUserID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleTierUpdate counts a user once per tier quest whose tier matches.
func (p *ContributionProcessor) HandleTierUpdate(ctx context.Context, e events.TierUpdated) error {
	quests, err := p.store.FindActiveQuests(ctx, models.GoalUsersAtTier, models.ScopeCommunity, e.Timestamp)
	if err != nil {
		return err
	}
	for i := range quests {
		q := &quests[i]
		tier := q.GoalTargetMetadata.TierName
		if tier == "" {
			p.logger.Warn().Str("quest_id", q.ID).Msg("tier quest has no tier_name, skipping")
			continue
		}
		if !sameFold(tier, e.NewTier) {
			continue
		}
		err := p.contribute(ctx, q, contribution{
			actorID:     e.UserID,
			delta:       1,
			insertOnce:  true,
			eventKey:    e.DedupKey(),
			at:          e.Timestamp,
			contributor: e.UserID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleSpend adds the spent amount to spend quests in a matching currency.
func (p *ContributionProcessor) HandleSpend(ctx context.Context, e events.SpendRecorded) error {
	quests, err := p.store.FindActiveQuests(ctx, models.GoalAggregateSpend, models.ScopeCommunity, e.Timestamp)
	if err != nil {
		return err
	}
	for i := range quests {
		q := &quests[i]
		if c := q.GoalTargetMetadata.Currency; c != "" && !sameFold(c, e.Currency) {
			continue
		}
		err := p.contribute(ctx, q, contribution{
			actorID:     e.UserID,
			delta:       e.AmountSpent,
			eventKey:    e.DedupKey(),
			at:          e.Timestamp,
			contributor: e.UserID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleSquadPoints adds positive point deltas to the squad's own row.
// Zero and negative deltas are valid events that contribute nothing.
func (p *ContributionProcessor) HandleSquadPoints(ctx context.Context, e events.SquadPointsChanged) error {
	if e.PointsChange <= 0 {
		p.logger.Debug().
			Str("squad_id", e.SquadID).
			Float64("points_change", e.PointsChange).
			Msg("non-positive squad delta, nothing to contribute")
		return nil
	}
	quests, err := p.store.FindActiveQuests(ctx, models.GoalTotalSquadPoints, models.ScopeSquad, e.Timestamp)
	if err != nil {
		return err
	}
	squadID := e.SquadID
	for i := range quests {
		err := p.contribute(ctx, &quests[i], contribution{
			actorID:     squadID,
			squadID:     &squadID,
			delta:       e.PointsChange,
			eventKey:    e.DedupKey(),
			at:          e.Timestamp,
			contributor: e.ResponsibleUserID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *ContributionProcessor) contribute(ctx context.Context, q *models.Quest, c contribution) error {
	applied, err := p.store.ApplyContribution(ctx, store.ContributionDelta{
		QuestID:    q.ID,
		ActorID:    c.actorID,
		SquadID:    c.squadID,
		Delta:      c.delta,
		InsertOnce: c.insertOnce,
		EventKey:   c.eventKey,
		At:         c.at,
	})
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Debug().Str("quest_id", q.ID).Str("event_key", c.eventKey).Msg("contribution already applied")
	}
	return p.settle(ctx, q, c, applied)
}

// settle recomputes progress, refreshes the cache, broadcasts the change
// and checks for completion. It runs on redeliveries too, so a failure after
// the increment is repaired by the retry.
func (p *ContributionProcessor) settle(ctx context.Context, q *models.Quest, c contribution, applied bool) error {
	squadID := models.SquadKey(c.squadID)

	var (
		current float64
		err     error
	)
	if q.Scope == models.ScopeSquad {
		current, err = p.store.SquadProgress(ctx, q.ID, squadID)
	} else {
		current, err = p.store.CommunityProgress(ctx, q.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to recompute progress of quest %s", q.ID)
	}

	goal := q.CompletionGoal()
	now := p.now()
	if err := p.cache.Set(ctx, q.ID, squadID, cache.Progress{Current: current, Goal: goal, UpdatedAt: now}); err != nil {
		return err
	}

	p.publisher.PublishProgress(ctx, events.ProgressChanged{
		QuestID:                      q.ID,
		QuestTitle:                   q.Title,
		CurrentProgress:              current,
		GoalTarget:                   goal,
		Scope:                        string(q.Scope),
		SquadID:                      squadID,
		LastContributorWalletAddress: c.contributor,
		UpdatedAt:                    now,
	})

	if current < goal || q.Status.Closed() {
		return nil
	}
	return p.complete(ctx, q, squadID, current, c, applied)
}

func (p *ContributionProcessor) complete(ctx context.Context, q *models.Quest, squadID string, current float64, c contribution, applied bool) error {
	log := p.logger.With().Str("quest_id", q.ID).Str("title", q.Title).Logger()
	done := events.QuestCompleted{
		QuestID:     q.ID,
		QuestTitle:  q.Title,
		Scope:       string(q.Scope),
		CompletedAt: p.now(),
	}

	if q.Scope == models.ScopeSquad {
		// a squad completes when its own total crosses the goal; a redelivery
		// republishes because the distributor is idempotent
		if applied && current-c.delta >= q.CompletionGoal() {
			return nil
		}
		done.SquadID = squadID
		log.Info().Str("squad_id", squadID).Float64("progress", current).Msg("🎯 squad reached quest goal")
		p.publisher.PublishCompletion(ctx, done)
		return nil
	}

	won, err := p.store.MarkSucceeded(ctx, q.ID)
	if err != nil {
		return err
	}
	if !won {
		log.Debug().Msg("quest already completed elsewhere")
		return nil
	}
	q.Status = models.QuestStatusSucceeded
	log.Info().Float64("progress", current).Msg("🎯 community quest succeeded")
	p.publisher.PublishCompletion(ctx, done)
	return nil
}

func sameFold(a, b string) bool {
	return cases.Fold().String(a) == cases.Fold().String(b)
}
