package services

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"quest-pipeline/models"
	"quest-pipeline/store"
)

const (
	defaultProximityMeters   = 100
	defaultTimeWindowMinutes = 10
	earthRadiusMeters        = 6371000
)

var errGroupTaken = errors.New("check-ins already matched")

// MeetupMatcher turns pending check-ins into squad meetups. A meetup is a
// set of distinct squad members who checked in close to an anchor check-in
// in both time and space; each meetup adds one to the squad's progress.
type MeetupMatcher struct {
	store     *store.Store
	processor *ContributionProcessor
	logger    zerolog.Logger
	now       func() time.Time
}

func NewMeetupMatcher(st *store.Store, processor *ContributionProcessor, logger zerolog.Logger) *MeetupMatcher {
	return &MeetupMatcher{
		store:     st,
		processor: processor,
		logger:    logger.With().Str("component", "meetup_matcher").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// MatchAll scans every active meetup quest and returns the meetups recorded.
func (m *MeetupMatcher) MatchAll(ctx context.Context) (int, error) {
	quests, err := m.store.FindActiveQuests(ctx, models.GoalSquadMeetup, models.ScopeSquad, m.now())
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range quests {
		n, err := m.MatchQuest(ctx, &quests[i])
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		m.logger.Info().Int("meetups", total).Msg("🤝 meetups matched")
	}
	return total, nil
}

// MatchQuest records every meetup found among the quest's pending check-ins.
func (m *MeetupMatcher) MatchQuest(ctx context.Context, q *models.Quest) (int, error) {
	checkIns, err := m.store.PendingCheckIns(ctx, q.ID)
	if err != nil {
		return 0, err
	}

	minMembers := int(math.Ceil(q.GoalTarget))
	if minMembers < 1 {
		minMembers = 1
	}
	proximity := q.GoalTargetMetadata.ProximityMeters
	if proximity <= 0 {
		proximity = defaultProximityMeters
	}
	window := q.GoalTargetMetadata.TimeWindowMinutes
	if window <= 0 {
		window = defaultTimeWindowMinutes
	}

	bySquad := map[string][]models.MeetupCheckIn{}
	var order []string
	for _, c := range checkIns {
		if _, ok := bySquad[c.SquadID]; !ok {
			order = append(order, c.SquadID)
		}
		bySquad[c.SquadID] = append(bySquad[c.SquadID], c)
	}

	recorded := 0
	for _, squadID := range order {
		groups := findMeetups(bySquad[squadID], minMembers, proximity, time.Duration(window*float64(time.Minute)))
		for _, group := range groups {
			err := m.record(ctx, q, squadID, group)
			if errors.Is(err, errGroupTaken) {
				m.logger.Debug().Str("squad_id", squadID).Msg("meetup group already matched")
				continue
			}
			if err != nil {
				return recorded, err
			}
			recorded++
		}
	}
	return recorded, nil
}

// record marks the group matched and credits the squad in one transaction,
// then runs the processor's progress and completion steps.
func (m *MeetupMatcher) record(ctx context.Context, q *models.Quest, squadID string, group []models.MeetupCheckIn) error {
	groupID := uuid.NewString()
	ids := make([]string, len(group))
	for i, c := range group {
		ids[i] = c.ID
	}
	c := contribution{
		actorID:  squadID,
		squadID:  &squadID,
		delta:    1,
		eventKey: "meetup:" + groupID,
		at:       m.now(),
	}

	applied := false
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		n, err := tx.MarkCheckInsMatched(ctx, ids, groupID)
		if err != nil {
			return err
		}
		if n != int64(len(ids)) {
			return errGroupTaken
		}
		applied, err = tx.ApplyContribution(ctx, store.ContributionDelta{
			QuestID:  q.ID,
			ActorID:  c.actorID,
			SquadID:  c.squadID,
			Delta:    c.delta,
			EventKey: c.eventKey,
			At:       c.at,
		})
		return err
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("quest_id", q.ID).Str("squad_id", squadID).Str("match_group_id", groupID).Int("members", len(group)).Msg("meetup recorded")
	return m.processor.settle(ctx, q, c, applied)
}

// findMeetups walks check-ins in time order. Each unused check-in anchors a
// candidate group of distinct users within window and proximity of it; a
// candidate with at least minMembers users becomes a meetup and its users
// are not reused in this pass.
func findMeetups(checkIns []models.MeetupCheckIn, minMembers int, proximityMeters float64, window time.Duration) [][]models.MeetupCheckIn {
	if len(checkIns) < minMembers {
		return nil
	}
	used := map[string]bool{}
	var groups [][]models.MeetupCheckIn

	for i, anchor := range checkIns {
		if used[anchor.UserID] {
			continue
		}
		group := []models.MeetupCheckIn{anchor}
		users := map[string]bool{anchor.UserID: true}

		for _, other := range checkIns[i+1:] {
			if used[other.UserID] || users[other.UserID] {
				continue
			}
			gap := other.ServerTimestamp.Sub(anchor.ServerTimestamp)
			if gap < 0 {
				gap = -gap
			}
			if gap > window {
				continue
			}
			if haversineMeters(anchor.Latitude, anchor.Longitude, other.Latitude, other.Longitude) > proximityMeters {
				continue
			}
			group = append(group, other)
			users[other.UserID] = true
		}

		if len(users) >= minMembers {
			groups = append(groups, group)
			for u := range users {
				used[u] = true
			}
		}
	}
	return groups
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
