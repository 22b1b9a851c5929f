package models

import (
	"time"

	"gorm.io/gorm"
)

type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerProcessed LedgerStatus = "processed"
	LedgerFailed    LedgerStatus = "failed"
	LedgerClaimed   LedgerStatus = "claimed"
)

// Reward types understood by the distributor
const (
	RewardPoints = "points"
	RewardToken  = "spl_token"
	RewardNFT    = "nft"
	RewardBadge  = "badge"
	RewardCustom = "custom"
)

// RewardLedgerEntry proves one reward instance went to one recipient for one quest.
// The identity index is the payout idempotency anchor.
type RewardLedgerEntry struct {
	ID            string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	QuestID       string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_ledger_identity,priority:1" json:"quest_id"`
	RecipientID   string         `gorm:"not null;index;uniqueIndex:idx_ledger_identity,priority:2" json:"recipient_id"`
	SquadID       *string        `json:"squad_id"`
	SquadKey      string         `gorm:"not null;default:'';uniqueIndex:idx_ledger_identity,priority:3" json:"-"`
	RewardType    string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_ledger_identity,priority:4" json:"reward_type"`
	Signature     string         `gorm:"not null;uniqueIndex:idx_ledger_identity,priority:5" json:"signature"`
	RewardDetails map[string]any `gorm:"type:jsonb;serializer:json" json:"reward_details"`
	Status        LedgerStatus   `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	DistributedAt *time.Time     `json:"distributed_at,omitempty"`

	Timestamps
}

func (RewardLedgerEntry) TableName() string {
	return "quest_reward_ledger"
}

func (e *RewardLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	newID(&e.ID)
	e.SquadKey = SquadKey(e.SquadID)
	return nil
}
