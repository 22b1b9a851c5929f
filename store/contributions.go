package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quest-pipeline/models"
)

// ContributionDelta is one event's effect on one quest.
type ContributionDelta struct {
	QuestID string
	ActorID string
	SquadID *string
	Delta   float64
	// InsertOnce leaves an existing row untouched (tier milestones).
	InsertOnce bool
	// EventKey makes the increment idempotent across redeliveries when set.
	EventKey string
	At       time.Time
}

// ApplyContribution upserts the (quest, actor, squad) row. It reports false
// when the event was already applied or the insert-once row already existed.
func (s *Store) ApplyContribution(ctx context.Context, d ContributionDelta) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if d.EventKey != "" {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.ContributionEvent{QuestID: d.QuestID, EventKey: d.EventKey})
			if res.Error != nil {
				return errors.Wrap(res.Error, "failed to record contribution event")
			}
			if res.RowsAffected == 0 {
				return nil
			}
		}

		row := &models.Contribution{
			QuestID:            d.QuestID,
			ActorID:            d.ActorID,
			SquadID:            d.SquadID,
			MetricValue:        d.Delta,
			LastContributionTS: d.At.UTC(),
		}
		conflict := clause.OnConflict{
			Columns: []clause.Column{{Name: "quest_id"}, {Name: "actor_id"}, {Name: "squad_key"}},
		}
		if d.InsertOnce {
			conflict.DoNothing = true
		} else {
			conflict.DoUpdates = clause.Assignments(map[string]any{
				"metric_value":         gorm.Expr("quest_contributions.metric_value + ?", d.Delta),
				"last_contribution_ts": d.At.UTC(),
				"updated_at":           time.Now().UTC(),
			})
		}
		res := tx.Clauses(conflict).Create(row)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed to upsert contribution for %s", d.ActorID)
		}
		applied = res.RowsAffected > 0
		return nil
	})
	return applied, err
}

// CommunityProgress sums every community contribution of a quest.
func (s *Store) CommunityProgress(ctx context.Context, questID string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Select("COALESCE(SUM(metric_value), 0)").
		Where("quest_id = ? AND squad_key = ''", questID).
		Row().Scan(&total)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to aggregate progress of quest %s", questID)
	}
	return total, nil
}

// SquadProgress is the squad's own row; squads never see each other's progress.
func (s *Store) SquadProgress(ctx context.Context, questID, squadID string) (float64, error) {
	c, err := s.GetContribution(ctx, questID, squadID, &squadID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c.MetricValue, nil
}

func (s *Store) GetContribution(ctx context.Context, questID, actorID string, squadID *string) (*models.Contribution, error) {
	var c models.Contribution
	err := s.db.WithContext(ctx).
		Where("quest_id = ? AND actor_id = ? AND squad_key = ?", questID, actorID, models.SquadKey(squadID)).
		First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CommunityContributors lists distinct actors with a community row for the
// quest. positiveOnly drops rows whose metric never rose above zero.
func (s *Store) CommunityContributors(ctx context.Context, questID string, positiveOnly bool) ([]string, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Where("quest_id = ? AND squad_key = ''", questID)
	if positiveOnly {
		q = q.Where("metric_value > 0")
	}
	if err := q.Distinct().Order("actor_id").Pluck("actor_id", &ids).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list contributors of quest %s", questID)
	}
	return ids, nil
}

// ContributingSquads lists squads with a positive row for a squad quest.
func (s *Store) ContributingSquads(ctx context.Context, questID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Where("quest_id = ? AND squad_key <> '' AND metric_value > 0", questID).
		Distinct().Order("squad_key").Pluck("squad_key", &ids).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list squads of quest %s", questID)
	}
	return ids, nil
}

// SquadsWithRows lists every squad holding a row for a squad quest,
// whatever its total.
func (s *Store) SquadsWithRows(ctx context.Context, questID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Where("quest_id = ? AND squad_key <> ''", questID).
		Distinct().Order("squad_key").Pluck("squad_key", &ids).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list squad rows of quest %s", questID)
	}
	return ids, nil
}
