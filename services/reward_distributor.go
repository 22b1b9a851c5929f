package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"quest-pipeline/broker"
	"quest-pipeline/events"
	"quest-pipeline/models"
	"quest-pipeline/store"
)

// SquadDirectory resolves a squad's leader and members.
type SquadDirectory interface {
	SquadRoster(ctx context.Context, squadID string) (*store.Roster, error)
}

// RewardDistributor issues a completed quest's rewards exactly once per
// recipient, reward and signature.
type RewardDistributor struct {
	store    *store.Store
	squads   SquadDirectory
	notifier NotificationSink
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRewardDistributor(st *store.Store, squads SquadDirectory, notifier NotificationSink, logger zerolog.Logger) *RewardDistributor {
	return &RewardDistributor{
		store:    st,
		squads:   squads,
		notifier: notifier,
		logger:   logger.With().Str("component", "reward_distributor").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the consumer entry point for the reward queue.
func (r *RewardDistributor) Handle(ctx context.Context, d broker.Delivery) broker.Result {
	c, err := events.DecodeCompletion(d.Body)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping undecodable completion")
		return broker.Ack
	}
	log := r.logger.With().Str("quest_id", c.QuestID).Str("squad_id", c.SquadID).Logger()
	return resultOf(log, r.Distribute(ctx, c))
}

// Distribute resolves recipients and issues every reward of the quest.
func (r *RewardDistributor) Distribute(ctx context.Context, c events.QuestCompleted) error {
	log := r.logger.With().Str("quest_id", c.QuestID).Logger()

	q, err := r.store.GetQuest(ctx, c.QuestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("completed quest not found, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if len(q.Rewards) == 0 {
		log.Info().Msg("quest has no rewards")
		return nil
	}

	recipients, split, err := r.recipients(ctx, q, c, log)
	if err != nil || len(recipients) == 0 {
		return err
	}

	var squadID *string
	if q.Scope == models.ScopeSquad {
		squadID = &c.SquadID
	}

	issued := make(map[string][]grant, len(recipients))
	for _, reward := range q.Rewards {
		grants, err := buildGrants(reward, q.Title, recipients, split)
		if err != nil {
			log.Error().Err(err).Str("reward_type", reward.Type).Msg("reward misconfigured, recording as failed")
		}
		if len(grants) == 0 {
			log.Warn().Str("reward_type", reward.Type).Int("recipients", len(recipients)).Msg("reward amount rounds to zero, skipping")
			continue
		}
		for _, g := range grants {
			ok, err := r.issue(ctx, q, squadID, g)
			if err != nil {
				return err
			}
			if ok && !g.failed {
				issued[g.recipient] = append(issued[g.recipient], g)
			}
		}
	}

	for _, rcpt := range recipients {
		if gs := issued[rcpt]; len(gs) > 0 {
			r.notify(ctx, q, rcpt, gs)
		}
	}
	log.Info().Int("recipients", len(recipients)).Int("rewarded", len(issued)).Msg("🏆 rewards distributed")
	return nil
}

// recipients returns who is rewarded and whether numeric amounts are split.
func (r *RewardDistributor) recipients(ctx context.Context, q *models.Quest, c events.QuestCompleted, log zerolog.Logger) ([]string, bool, error) {
	if q.Scope != models.ScopeSquad {
		if q.Status != models.QuestStatusSucceeded {
			log.Warn().Str("status", string(q.Status)).Msg("community quest is not succeeded, dropping completion")
			return nil, false, nil
		}
		ids, err := r.store.CommunityContributors(ctx, q.ID, false)
		return ids, false, err
	}

	if c.SquadID == "" {
		log.Warn().Msg("squad completion without squad id, dropping")
		return nil, false, nil
	}
	roster, err := r.squads.SquadRoster(ctx, c.SquadID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("squad_id", c.SquadID).Msg("squad not found, dropping")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch q.RewardSplit {
	case models.SplitLeaderOnly:
		if roster.Leader == "" {
			log.Warn().Str("squad_id", c.SquadID).Msg("squad has no leader, dropping")
			return nil, false, nil
		}
		return []string{roster.Leader}, false, nil
	case models.SplitProportional:
		log.Warn().Msg("proportional split not supported, splitting equally")
		return everyone(roster), true, nil
	case models.SplitEqual:
		return everyone(roster), true, nil
	default:
		log.Info().Str("reward_split", string(q.RewardSplit)).Msg("squad quest has no reward split, nothing to issue")
		return nil, false, nil
	}
}

// everyone is the roster plus the leader, without duplicates.
func everyone(r *store.Roster) []string {
	seen := make(map[string]bool, len(r.Members)+1)
	var out []string
	all := append(append([]string{}, r.Members...), r.Leader)
	for _, w := range all {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// issue writes one ledger entry and applies its mutation atomically.
func (r *RewardDistributor) issue(ctx context.Context, q *models.Quest, squadID *string, g grant) (bool, error) {
	now := r.now()
	entry := &models.RewardLedgerEntry{
		QuestID:       q.ID,
		RecipientID:   g.recipient,
		SquadID:       squadID,
		RewardType:    g.rewardType,
		Signature:     g.signature,
		RewardDetails: g.details,
		Status:        models.LedgerProcessed,
		DistributedAt: &now,
	}
	if g.failed {
		entry.Status = models.LedgerFailed
		entry.DistributedAt = nil
	}

	done, err := r.store.HasProcessedReward(ctx, entry)
	if err != nil {
		return false, err
	}
	if done {
		r.logger.Debug().Str("recipient", g.recipient).Str("signature", g.signature).Msg("reward already issued")
		return false, nil
	}

	issued, err := r.store.IssueReward(ctx, entry, func(tx *store.Store) error {
		if g.failed {
			return nil
		}
		return r.apply(ctx, tx, q, g)
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to issue %s to %s", g.rewardType, g.recipient)
	}
	return issued, nil
}

func (r *RewardDistributor) apply(ctx context.Context, tx *store.Store, q *models.Quest, g grant) error {
	switch g.rewardType {
	case models.RewardPoints:
		return tx.AddPoints(ctx, g.recipient, g.points)
	case models.RewardBadge:
		_, err := tx.AddBadge(ctx, g.recipient, g.badgeID, q.ID)
		return err
	case models.RewardToken, models.RewardNFT:
		// on-chain transfer happens out of band; the ledger entry is the claim
		r.logger.Info().
			Str("recipient", g.recipient).
			Str("reward_type", g.rewardType).
			Str("signature", g.signature).
			Msg("[RewardDistributor] transfer queued for on-chain settlement")
		return nil
	default:
		return nil
	}
}

// notify is best effort: the ledger is already committed.
func (r *RewardDistributor) notify(ctx context.Context, q *models.Quest, recipient string, gs []grant) {
	summaries := make([]string, 0, len(gs))
	n := models.Notification{
		RecipientID:       recipient,
		Type:              models.NotificationQuestRewardIssued,
		Title:             "Quest reward received",
		CtaURL:            questURL(q),
		RelatedQuestID:    q.ID,
		RelatedQuestTitle: q.Title,
	}
	var points int64
	for _, g := range gs {
		summaries = append(summaries, g.summary)
		points += g.points
		if g.badgeID != "" && n.BadgeID == nil {
			badge := g.badgeID
			n.BadgeID = &badge
		}
	}
	if points > 0 {
		amount := float64(points)
		currency := "points"
		n.RewardAmount = &amount
		n.RewardCurrency = &currency
	}
	n.Message = fmt.Sprintf("Congratulations! You received %s from the %s quest: %q.", strings.Join(summaries, " & "), q.Scope, q.Title)

	if err := r.notifier.CreateNotification(ctx, n); err != nil {
		r.logger.Error().Err(err).Str("recipient", recipient).Msg("failed to notify reward recipient")
	}
}
