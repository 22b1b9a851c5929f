package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"quest-pipeline/models"
)

func (s *Store) CreateQuest(ctx context.Context, q *models.Quest) error {
	// window bounds are compared as stored, keep them in one zone
	q.StartTS, q.EndTS = q.StartTS.UTC(), q.EndTS.UTC()
	if err := s.db.WithContext(ctx).Create(q).Error; err != nil {
		return errors.Wrapf(err, "failed to create quest %s", q.Title)
	}
	return nil
}

func (s *Store) GetQuest(ctx context.Context, id string) (*models.Quest, error) {
	var q models.Quest
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&q).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// FindActiveQuests returns active quests of one goal type and scope whose
// window contains at.
func (s *Store) FindActiveQuests(ctx context.Context, goal models.GoalType, scope models.QuestScope, at time.Time) ([]models.Quest, error) {
	var quests []models.Quest
	at = at.UTC()
	err := s.db.WithContext(ctx).
		Where("status = ? AND goal_type = ? AND scope = ?", models.QuestStatusActive, goal, scope).
		Where("start_ts <= ? AND end_ts >= ?", at, at).
		Order("start_ts ASC").
		Find(&quests).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query active %s quests", goal)
	}
	return quests, nil
}

// ActiveQuests returns every active quest whose window contains at.
func (s *Store) ActiveQuests(ctx context.Context, at time.Time) ([]models.Quest, error) {
	var quests []models.Quest
	at = at.UTC()
	err := s.db.WithContext(ctx).
		Where("status = ?", models.QuestStatusActive).
		Where("start_ts <= ? AND end_ts >= ?", at, at).
		Order("start_ts ASC").
		Find(&quests).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query active quests")
	}
	return quests, nil
}

// TransitionQuest moves a quest from one status to another only if it is
// still in the expected status. The boolean reports whether this call won.
func (s *Store) TransitionQuest(ctx context.Context, id string, from, to models.QuestStatus, notes string) (bool, error) {
	update := map[string]any{"status": to}
	if notes != "" {
		update["notes"] = notes
	}
	res := s.db.WithContext(ctx).Model(&models.Quest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(update)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "failed to move quest %s from %s to %s", id, from, to)
	}
	return res.RowsAffected == 1, nil
}

// MarkSucceeded is the processor's only status write.
func (s *Store) MarkSucceeded(ctx context.Context, id string) (bool, error) {
	return s.TransitionQuest(ctx, id, models.QuestStatusActive, models.QuestStatusSucceeded, "")
}

// DueScheduledQuests are scheduled quests whose window has opened and not closed.
func (s *Store) DueScheduledQuests(ctx context.Context, now time.Time) ([]models.Quest, error) {
	var quests []models.Quest
	now = now.UTC()
	err := s.db.WithContext(ctx).
		Where("status = ? AND start_ts <= ? AND end_ts > ?", models.QuestStatusScheduled, now, now).
		Order("start_ts ASC").
		Find(&quests).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due scheduled quests")
	}
	return quests, nil
}

// OverdueActiveQuests are active quests whose end_ts is before cutoff.
func (s *Store) OverdueActiveQuests(ctx context.Context, cutoff time.Time) ([]models.Quest, error) {
	var quests []models.Quest
	err := s.db.WithContext(ctx).
		Where("status = ? AND end_ts < ?", models.QuestStatusActive, cutoff.UTC()).
		Order("end_ts ASC").
		Find(&quests).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query overdue active quests")
	}
	return quests, nil
}

// StaleScheduledQuests never activated before their window closed.
func (s *Store) StaleScheduledQuests(ctx context.Context, now time.Time) ([]models.Quest, error) {
	var quests []models.Quest
	err := s.db.WithContext(ctx).
		Where("status = ? AND end_ts < ?", models.QuestStatusScheduled, now.UTC()).
		Find(&quests).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale scheduled quests")
	}
	return quests, nil
}
