package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quest-pipeline/models"
)

// HasProcessedReward is the fast-path check before a mutation is attempted.
func (s *Store) HasProcessedReward(ctx context.Context, e *models.RewardLedgerEntry) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.RewardLedgerEntry{}).
		Where("quest_id = ? AND recipient_id = ? AND squad_key = ? AND reward_type = ? AND signature = ?",
			e.QuestID, e.RecipientID, models.SquadKey(e.SquadID), e.RewardType, e.Signature).
		Where("status IN ?", []models.LedgerStatus{models.LedgerProcessed, models.LedgerClaimed}).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check reward ledger")
	}
	return count > 0, nil
}

// IssueReward inserts the ledger entry and runs mutate in the same
// transaction. A duplicate identity skips mutate and reports false; a mutate
// error rolls the ledger insert back.
func (s *Store) IssueReward(ctx context.Context, entry *models.RewardLedgerEntry, mutate func(tx *Store) error) (bool, error) {
	issued := false
	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if res.Error != nil {
			return errors.Wrap(res.Error, "failed to insert ledger entry")
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		issued = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return issued, nil
}

// AddPoints credits a wallet, creating the account on first credit.
func (s *Store) AddPoints(ctx context.Context, wallet string, amount int64) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"points": gorm.Expr("accounts.points + ?", amount),
		}),
	}).Create(&models.Account{WalletAddress: wallet, Points: amount})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to credit %d points to %s", amount, wallet)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, wallet string) (*models.Account, error) {
	var a models.Account
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// AddBadge is add-to-set: a wallet holds each badge at most once.
func (s *Store) AddBadge(ctx context.Context, wallet, badgeID, questID string) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.UserBadge{WalletAddress: wallet, BadgeID: badgeID, QuestID: questID})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "failed to award badge %s to %s", badgeID, wallet)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) BadgesOf(ctx context.Context, wallet string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.UserBadge{}).
		Where("wallet_address = ?", wallet).
		Order("badge_id").
		Pluck("badge_id", &ids).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list badges of %s", wallet)
	}
	return ids, nil
}

// LedgerForRecipient returns the newest entries first.
func (s *Store) LedgerForRecipient(ctx context.Context, recipient string, limit int) ([]models.RewardLedgerEntry, error) {
	var entries []models.RewardLedgerEntry
	q := s.db.WithContext(ctx).Where("recipient_id = ?", recipient).Order("created_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list rewards of %s", recipient)
	}
	return entries, nil
}

func (s *Store) LedgerForQuest(ctx context.Context, questID string) ([]models.RewardLedgerEntry, error) {
	var entries []models.RewardLedgerEntry
	if err := s.db.WithContext(ctx).Where("quest_id = ?", questID).Order("recipient_id, reward_type").Find(&entries).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list ledger of quest %s", questID)
	}
	return entries, nil
}

// ProcessedLedgerSince returns a recipient's processed entries created after
// since, oldest first.
func (s *Store) ProcessedLedgerSince(ctx context.Context, recipient string, since time.Time) ([]models.RewardLedgerEntry, error) {
	var entries []models.RewardLedgerEntry
	err := s.db.WithContext(ctx).
		Where("recipient_id = ? AND status = ?", recipient, models.LedgerProcessed).
		Where("created_at > ?", since).
		Order("created_at ASC, id").
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list new rewards of %s", recipient)
	}
	return entries, nil
}
