package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ProgressChanged is broadcast on the quest-progress fanout exchange.
type ProgressChanged struct {
	QuestID                      string    `json:"questId"`
	QuestTitle                   string    `json:"questTitle"`
	CurrentProgress              float64   `json:"currentProgress"`
	GoalTarget                   float64   `json:"goalTarget"`
	Scope                        string    `json:"scope"`
	SquadID                      string    `json:"squadId,omitempty"`
	LastContributorWalletAddress string    `json:"lastContributorWalletAddress,omitempty"`
	UpdatedAt                    time.Time `json:"updatedAt"`
}

// QuestCompleted hands a finished quest (or one squad's run of it) to the
// reward distributor.
type QuestCompleted struct {
	QuestID     string    `json:"questId"`
	QuestTitle  string    `json:"questTitle"`
	Scope       string    `json:"scope"`
	SquadID     string    `json:"squadId,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

func (c QuestCompleted) Validate() error {
	if c.QuestID == "" {
		return errors.Wrap(ErrMalformed, "questId is required")
	}
	if c.Scope == "squad" && c.SquadID == "" {
		return errors.Wrap(ErrMalformed, "squadId is required for squad completions")
	}
	return nil
}

// DecodeCompletion parses and validates a completion message.
func DecodeCompletion(body []byte) (QuestCompleted, error) {
	var c QuestCompleted
	if err := json.Unmarshal(body, &c); err != nil {
		return c, errors.Wrap(ErrMalformed, err.Error())
	}
	return c, c.Validate()
}
