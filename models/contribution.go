package models

import (
	"time"

	"gorm.io/gorm"
)

// Contribution is one actor's accumulated progress toward one quest.
// Community rows carry a nil SquadID; squad rows use the squad id as both
// ActorID and SquadID. SquadKey mirrors SquadID ("" for community) so the
// unique index treats community rows as equal instead of NULL-distinct.
type Contribution struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	QuestID            string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_contribution_identity,priority:1" json:"quest_id"`
	ActorID            string    `gorm:"not null;uniqueIndex:idx_contribution_identity,priority:2" json:"actor_id"`
	SquadID            *string   `gorm:"index" json:"squad_id"`
	SquadKey           string    `gorm:"not null;default:'';uniqueIndex:idx_contribution_identity,priority:3" json:"-"`
	MetricValue        float64   `gorm:"not null;default:0" json:"metric_value"`
	LastContributionTS time.Time `gorm:"column:last_contribution_ts" json:"last_contribution_ts"`

	Timestamps
}

func (Contribution) TableName() string {
	return "quest_contributions"
}

func (c *Contribution) BeforeCreate(tx *gorm.DB) error {
	newID(&c.ID)
	c.SquadKey = SquadKey(c.SquadID)
	return nil
}

// ContributionEvent records that a delivered event was already applied to a
// quest, so a redelivery never increments twice.
type ContributionEvent struct {
	QuestID   string    `gorm:"primaryKey;type:varchar(36)"`
	EventKey  string    `gorm:"primaryKey;type:varchar(160)"`
	AppliedAt time.Time `gorm:"autoCreateTime"`
}

// SquadKey flattens a nullable squad id for unique indexes.
func SquadKey(squadID *string) string {
	if squadID == nil {
		return ""
	}
	return *squadID
}
