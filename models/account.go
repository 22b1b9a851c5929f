package models

import (
	"time"

	"gorm.io/gorm"
)

// Account is the points balance of a wallet
type Account struct {
	WalletAddress string `gorm:"primaryKey" json:"wallet_address"`
	Points        int64  `gorm:"not null;default:0" json:"points"`

	Timestamps
}

// UserBadge: awarded instance, one per wallet and badge
type UserBadge struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	WalletAddress string    `gorm:"not null;uniqueIndex:idx_user_badge,priority:1" json:"wallet_address"`
	BadgeID       string    `gorm:"not null;uniqueIndex:idx_user_badge,priority:2" json:"badge_id"`
	QuestID       string    `gorm:"type:varchar(36);index" json:"quest_id,omitempty"`
	AwardedAt     time.Time `gorm:"autoCreateTime" json:"awarded_at"`
}

func (b *UserBadge) BeforeCreate(tx *gorm.DB) error {
	newID(&b.ID)
	return nil
}
