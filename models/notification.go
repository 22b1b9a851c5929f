package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification types emitted by the pipeline
const (
	NotificationQuestNewlyActive  = "quest_newly_active"
	NotificationQuestFailed       = "quest_failed_community"
	NotificationQuestRewardIssued = "quest_reward_received"
)

type Notification struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RecipientID       string    `gorm:"not null;index" json:"recipient_id"`
	Type              string    `gorm:"type:varchar(48);not null" json:"type"`
	Title             string    `gorm:"not null" json:"title"`
	Message           string    `gorm:"type:text" json:"message"`
	CtaURL            string    `json:"cta_url,omitempty"`
	RelatedQuestID    string    `gorm:"type:varchar(36);index" json:"related_quest_id,omitempty"`
	RelatedQuestTitle string    `json:"related_quest_title,omitempty"`
	RewardAmount      *float64  `json:"reward_amount,omitempty"`
	RewardCurrency    *string   `json:"reward_currency,omitempty"`
	BadgeID           *string   `json:"badge_id,omitempty"`
	IsRead            bool      `gorm:"default:false" json:"is_read"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	newID(&n.ID)
	return nil
}
