package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"quest-pipeline/models"
)

// Roster is a squad's leader and members as the squad directory sees them.
type Roster struct {
	SquadID string
	Leader  string
	Members []string
}

func (s *Store) CreateSquad(ctx context.Context, squad *models.Squad, members ...string) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Create(squad).Error; err != nil {
			return errors.Wrapf(err, "failed to create squad %s", squad.ID)
		}
		for _, wallet := range members {
			if err := tx.AddSquadMember(ctx, squad.ID, wallet); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AddSquadMember(ctx context.Context, squadID, wallet string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SquadMember{SquadID: squadID, WalletAddress: wallet}).Error
	return errors.Wrapf(err, "failed to add %s to squad %s", wallet, squadID)
}

// SquadRoster returns ErrNotFound for an unknown squad.
func (s *Store) SquadRoster(ctx context.Context, squadID string) (*Roster, error) {
	var squad models.Squad
	if err := s.db.WithContext(ctx).Where("id = ?", squadID).First(&squad).Error; err != nil {
		return nil, notFound(err)
	}
	var members []string
	err := s.db.WithContext(ctx).Model(&models.SquadMember{}).
		Where("squad_id = ?", squadID).
		Order("joined_at, wallet_address").
		Pluck("wallet_address", &members).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list members of squad %s", squadID)
	}
	return &Roster{SquadID: squad.ID, Leader: squad.LeaderWallet, Members: members}, nil
}

func (s *Store) RecordCheckIn(ctx context.Context, c *models.MeetupCheckIn) error {
	if c.ServerTimestamp.IsZero() {
		c.ServerTimestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return errors.Wrapf(err, "failed to record check-in of %s", c.UserID)
	}
	return nil
}

// PendingCheckIns are unmatched check-ins of a quest, oldest first.
func (s *Store) PendingCheckIns(ctx context.Context, questID string) ([]models.MeetupCheckIn, error) {
	var checkIns []models.MeetupCheckIn
	err := s.db.WithContext(ctx).
		Where("quest_id = ? AND status = ?", questID, models.CheckInPendingMatch).
		Order("server_timestamp ASC, id").
		Find(&checkIns).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query check-ins of quest %s", questID)
	}
	return checkIns, nil
}

// MarkCheckInsMatched flips still-pending check-ins to matched and returns
// how many rows changed.
func (s *Store) MarkCheckInsMatched(ctx context.Context, ids []string, groupID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.MeetupCheckIn{}).
		Where("id IN ? AND status = ?", ids, models.CheckInPendingMatch).
		Updates(map[string]any{"status": models.CheckInMatched, "match_group_id": groupID})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "failed to mark meetup group %s", groupID)
	}
	return res.RowsAffected, nil
}

func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return errors.Wrapf(err, "failed to create %s notification for %s", n.Type, n.RecipientID)
	}
	return nil
}

func (s *Store) NotificationsFor(ctx context.Context, recipient string) ([]models.Notification, error) {
	var ns []models.Notification
	if err := s.db.WithContext(ctx).Where("recipient_id = ?", recipient).Order("created_at, id").Find(&ns).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list notifications of %s", recipient)
	}
	return ns, nil
}
