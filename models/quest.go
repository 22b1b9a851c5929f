package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// QuestStatus tracks where a quest sits in its lifecycle
type QuestStatus string

const (
	QuestStatusScheduled QuestStatus = "scheduled"
	QuestStatusActive    QuestStatus = "active"
	QuestStatusSucceeded QuestStatus = "succeeded"
	QuestStatusFailed    QuestStatus = "failed" // admin only, never set by the pipeline
	QuestStatusExpired   QuestStatus = "expired"
)

// Closed reports whether the quest can no longer complete.
func (s QuestStatus) Closed() bool {
	return s == QuestStatusSucceeded || s == QuestStatusFailed
}

type GoalType string

const (
	GoalTotalReferrals   GoalType = "total_referrals"
	GoalUsersAtTier      GoalType = "users_at_tier"
	GoalAggregateSpend   GoalType = "aggregate_spend"
	GoalTotalSquadPoints GoalType = "total_squad_points"
	GoalSquadMeetup      GoalType = "squad_meetup"
)

type QuestScope string

const (
	ScopeCommunity QuestScope = "community"
	ScopeSquad     QuestScope = "squad"
)

// RewardSplit decides who inside a squad receives a squad quest's rewards
type RewardSplit string

const (
	SplitLeaderOnly   RewardSplit = "leader_only"
	SplitEqual        RewardSplit = "equal"
	SplitProportional RewardSplit = "proportional"
	SplitNone         RewardSplit = "none"
)

// GoalMetadata holds goal-specific parameters
type GoalMetadata struct {
	TierName          string  `json:"tier_name,omitempty"`
	Currency          string  `json:"currency,omitempty"`
	ProximityMeters   float64 `json:"proximity_meters,omitempty"`
	TimeWindowMinutes float64 `json:"time_window_minutes,omitempty"`
}

// RewardDescriptor is one entry of a quest's reward list.
// Value is points (number), a token ({"tokenMint": "...", "amount": 100}),
// an NFT mint reference or a badge id (string).
type RewardDescriptor struct {
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
}

type Quest struct {
	ID                 string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title              string             `gorm:"not null" json:"title"`
	Description        string             `gorm:"type:text" json:"description"`
	Status             QuestStatus        `gorm:"type:varchar(16);not null;default:'scheduled';index:idx_quests_status_window,priority:1" json:"status"`
	Scope              QuestScope         `gorm:"type:varchar(16);not null;default:'community';index:idx_quests_scope_status" json:"scope"`
	GoalType           GoalType           `gorm:"type:varchar(32);not null;index:idx_quests_goal_status" json:"goal_type"`
	GoalTarget         float64            `gorm:"not null" json:"goal_target"`
	GoalTargetMetadata GoalMetadata       `gorm:"type:jsonb;serializer:json" json:"goal_target_metadata"`
	StartTS            time.Time          `gorm:"column:start_ts;not null;index:idx_quests_status_window,priority:2" json:"start_ts"`
	EndTS              time.Time          `gorm:"column:end_ts;not null;index:idx_quests_status_window,priority:3" json:"end_ts"`
	Rewards            []RewardDescriptor `gorm:"type:jsonb;serializer:json" json:"rewards"`
	RewardSplit        RewardSplit        `gorm:"type:varchar(16);not null;default:'none'" json:"reward_split"`
	Notes              string             `gorm:"type:text" json:"notes,omitempty"`
	CreatedBy          string             `json:"created_by,omitempty"`

	Timestamps
}

// CompletionGoal is what progress is compared against. A meetup quest's
// goal_target is the group size, and one qualifying meetup completes it.
func (q *Quest) CompletionGoal() float64 {
	if q.GoalType == GoalSquadMeetup {
		return 1
	}
	return q.GoalTarget
}

func (q *Quest) BeforeCreate(tx *gorm.DB) error {
	newID(&q.ID)
	return nil
}
