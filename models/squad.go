package models

import (
	"time"
)

// Squad is owned by the squads service; the pipeline only reads roster and leader.
type Squad struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Name         string `json:"name"`
	LeaderWallet string `gorm:"not null" json:"leader_wallet"`

	Timestamps
}

type SquadMember struct {
	SquadID       string    `gorm:"primaryKey" json:"squad_id"`
	WalletAddress string    `gorm:"primaryKey" json:"wallet_address"`
	JoinedAt      time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
