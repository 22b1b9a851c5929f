package models

// All lists every table the pipeline migrates.
func All() []any {
	return []any{
		&Quest{},
		&Contribution{},
		&ContributionEvent{},
		&RewardLedgerEntry{},
		&Account{},
		&UserBadge{},
		&Squad{},
		&SquadMember{},
		&Notification{},
		&MeetupCheckIn{},
	}
}
