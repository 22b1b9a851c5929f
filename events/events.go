// Package events holds the typed payloads that travel through the broker.
// Each routing key decodes into exactly one struct, so handlers never see
// untyped maps.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Routing keys on the events exchange
const (
	UserReferredSuccess = "user.referred.success"
	UserTierUpdated     = "user.tier.updated"
	UserSpendRecorded   = "user.spend.recorded"
	SquadPointsUpdated  = "squad.points.updated"

	// QuestProgressChanged is published on the fanout exchange
	QuestProgressChanged = "quest.progress.changed"
)

var (
	// ErrMalformed marks a payload that will never become valid by retrying.
	ErrMalformed = errors.New("malformed event payload")
	// ErrUnknownRoutingKey marks a delivery no handler is registered for.
	ErrUnknownRoutingKey = errors.New("unknown routing key")
)

// Event is implemented by every inbound domain event.
type Event interface {
	RoutingKey() string
	Validate() error
	// DedupKey identifies the logical event across redeliveries.
	DedupKey() string
	OccurredAt() time.Time
}

type UserReferred struct {
	UserID           string    `json:"userId"`
	ReferredByUserID string    `json:"referredByUserId"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e UserReferred) RoutingKey() string    { return UserReferredSuccess }
func (e UserReferred) OccurredAt() time.Time { return e.Timestamp }

func (e UserReferred) Validate() error {
	if e.UserID == "" || e.ReferredByUserID == "" {
		return errors.Wrap(ErrMalformed, "userId and referredByUserId are required")
	}
	return requireTimestamp(e.Timestamp)
}

// A user can only be referred once, so the referred user is the identity.
func (e UserReferred) DedupKey() string {
	return "referral:" + e.UserID
}

type TierUpdated struct {
	UserID    string    `json:"userId"`
	NewTier   string    `json:"newTier"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TierUpdated) RoutingKey() string    { return UserTierUpdated }
func (e TierUpdated) OccurredAt() time.Time { return e.Timestamp }

func (e TierUpdated) Validate() error {
	if e.UserID == "" || e.NewTier == "" {
		return errors.Wrap(ErrMalformed, "userId and newTier are required")
	}
	return requireTimestamp(e.Timestamp)
}

func (e TierUpdated) DedupKey() string {
	return "tier:" + e.UserID + ":" + strings.ToLower(e.NewTier)
}

type SpendRecorded struct {
	UserID      string    `json:"userId"`
	AmountSpent float64   `json:"amountSpent"`
	Currency    string    `json:"currency"`
	Timestamp   time.Time `json:"timestamp"`
	MessageID   string    `json:"-"`
}

func (e SpendRecorded) RoutingKey() string    { return UserSpendRecorded }
func (e SpendRecorded) OccurredAt() time.Time { return e.Timestamp }

func (e SpendRecorded) Validate() error {
	if e.UserID == "" {
		return errors.Wrap(ErrMalformed, "userId is required")
	}
	if e.AmountSpent <= 0 {
		return errors.Wrapf(ErrMalformed, "amountSpent must be positive, got %v", e.AmountSpent)
	}
	return requireTimestamp(e.Timestamp)
}

// DedupKey prefers the publisher's message id. Without one it falls back to
// a content hash, which merges two purchases identical to the nanosecond.
func (e SpendRecorded) DedupKey() string {
	if e.MessageID != "" {
		return "spend:msg:" + e.MessageID
	}
	return "spend:" + digest(e.UserID, formatFloat(e.AmountSpent), e.Currency, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

type SquadPointsChanged struct {
	SquadID           string    `json:"squadId"`
	PointsChange      float64   `json:"pointsChange"`
	Reason            string    `json:"reason"`
	Timestamp         time.Time `json:"timestamp"`
	ResponsibleUserID string    `json:"responsibleUserId,omitempty"`
	MessageID         string    `json:"-"`
}

func (e SquadPointsChanged) RoutingKey() string    { return SquadPointsUpdated }
func (e SquadPointsChanged) OccurredAt() time.Time { return e.Timestamp }

// Validate accepts non-positive deltas; they are valid messages that simply
// do not contribute.
func (e SquadPointsChanged) Validate() error {
	if e.SquadID == "" {
		return errors.Wrap(ErrMalformed, "squadId is required")
	}
	return requireTimestamp(e.Timestamp)
}

func (e SquadPointsChanged) DedupKey() string {
	if e.MessageID != "" {
		return "squad_points:msg:" + e.MessageID
	}
	return "squad_points:" + digest(e.SquadID, formatFloat(e.PointsChange), e.Reason, e.ResponsibleUserID, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

// WithMessageID attaches the broker message id to events that have no
// natural identity of their own. Referrals and tier changes keep their
// content keys, which are stronger than any id.
func WithMessageID(ev Event, id string) Event {
	switch e := ev.(type) {
	case SpendRecorded:
		e.MessageID = id
		return e
	case SquadPointsChanged:
		e.MessageID = id
		return e
	default:
		return ev
	}
}

// Decode turns a raw delivery into its typed event. Unknown routing keys
// return ErrUnknownRoutingKey; shape errors wrap ErrMalformed.
func Decode(routingKey string, body []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch routingKey {
	case UserReferredSuccess:
		var e UserReferred
		err = json.Unmarshal(body, &e)
		ev = e
	case UserTierUpdated:
		var e TierUpdated
		err = json.Unmarshal(body, &e)
		ev = e
	case UserSpendRecorded:
		var e SpendRecorded
		err = json.Unmarshal(body, &e)
		ev = e
	case SquadPointsUpdated:
		var e SquadPointsChanged
		err = json.Unmarshal(body, &e)
		ev = e
	default:
		return nil, errors.Wrap(ErrUnknownRoutingKey, routingKey)
	}
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func requireTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return errors.Wrap(ErrMalformed, "timestamp is required")
	}
	return nil
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
