package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	CheckInPendingMatch = "pending_match"
	CheckInMatched      = "matched"
)

// MeetupCheckIn is a squad member's geolocated check-in for a squad_meetup quest
type MeetupCheckIn struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	QuestID         string    `gorm:"type:varchar(36);not null;index:idx_checkin_quest_status,priority:1" json:"quest_id"`
	SquadID         string    `gorm:"not null" json:"squad_id"`
	UserID          string    `gorm:"not null" json:"user_id"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	ServerTimestamp time.Time `gorm:"not null" json:"server_timestamp"`
	Status          string    `gorm:"type:varchar(16);not null;default:'pending_match';index:idx_checkin_quest_status,priority:2" json:"status"`
	MatchGroupID    string    `json:"match_group_id,omitempty"`
}

func (m *MeetupCheckIn) BeforeCreate(tx *gorm.DB) error {
	newID(&m.ID)
	return nil
}
