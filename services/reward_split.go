package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"quest-pipeline/models"
)

var errRewardValue = errors.New("invalid reward value")

// grant is one reward instance for one recipient.
type grant struct {
	recipient  string
	rewardType string
	signature  string
	details    map[string]any
	points     int64
	badgeID    string
	summary    string
	failed     bool
}

type tokenReward struct {
	TokenMint string  `json:"tokenMint"`
	Amount    float64 `json:"amount"`
}

// share is the integer part of an equal split of amount.
func share(amount float64, recipients int) int64 {
	if recipients <= 0 {
		return 0
	}
	return int64(math.Floor(amount / float64(recipients)))
}

// buildGrants expands one reward descriptor over its recipients. Numeric
// amounts are divided when split is set; everything else goes to each
// recipient whole. A descriptor that cannot be parsed yields failed grants.
func buildGrants(r models.RewardDescriptor, questTitle string, recipients []string, split bool) ([]grant, error) {
	n := 1
	if split {
		n = len(recipients)
	}
	base := map[string]any{"quest_title": questTitle}
	if r.Description != "" {
		base["description"] = r.Description
	}

	var proto grant
	switch r.Type {
	case models.RewardPoints:
		var amount float64
		if err := json.Unmarshal(r.Value, &amount); err != nil {
			return failedGrants(r, base, recipients), errors.Wrapf(errRewardValue, "points value %s", string(r.Value))
		}
		pts := share(amount, n)
		if pts <= 0 {
			return nil, nil
		}
		proto = grant{
			signature: strconv.FormatInt(pts, 10),
			points:    pts,
			summary:   fmt.Sprintf("%d points", pts),
			details:   with(base, "points_awarded", pts),
		}
	case models.RewardToken:
		var tok tokenReward
		if err := json.Unmarshal(r.Value, &tok); err != nil || tok.TokenMint == "" {
			return failedGrants(r, base, recipients), errors.Wrapf(errRewardValue, "token value %s", string(r.Value))
		}
		amount := share(tok.Amount, n)
		if amount <= 0 {
			return nil, nil
		}
		proto = grant{
			signature: fmt.Sprintf("%s:%d", tok.TokenMint, amount),
			summary:   fmt.Sprintf("%d %s", amount, tok.TokenMint),
			details:   with(with(with(base, "token_mint", tok.TokenMint), "amount", amount), "status_remark", "Pending transfer"),
		}
	case models.RewardNFT:
		ref := stringOrCanonical(r.Value)
		if ref == "" {
			return failedGrants(r, base, recipients), errors.Wrap(errRewardValue, "empty nft reference")
		}
		proto = grant{
			signature: ref,
			summary:   "NFT " + ref,
			details:   with(with(base, "nft_id", ref), "status_remark", "Pending Mint/Claim"),
		}
	case models.RewardBadge:
		var badgeID string
		if err := json.Unmarshal(r.Value, &badgeID); err != nil || badgeID == "" {
			return failedGrants(r, base, recipients), errors.Wrapf(errRewardValue, "badge value %s", string(r.Value))
		}
		proto = grant{
			signature: badgeID,
			badgeID:   badgeID,
			summary:   "badge " + badgeID,
			details:   with(base, "badge_id", badgeID),
		}
	case models.RewardCustom:
		ref := stringOrCanonical(r.Value)
		proto = grant{
			signature: ref,
			summary:   r.Description,
			details:   with(with(base, "value", ref), "status_remark", "Manual fulfilment"),
		}
		if proto.summary == "" {
			proto.summary = "a custom reward"
		}
	default:
		return failedGrants(r, base, recipients), errors.Errorf("unknown reward type %q", r.Type)
	}

	grants := make([]grant, 0, len(recipients))
	for _, rcpt := range recipients {
		g := proto
		g.recipient = rcpt
		g.rewardType = r.Type
		grants = append(grants, g)
	}
	return grants, nil
}

// failedGrants records a misconfigured reward in the ledger so it is visible
// and never retried.
func failedGrants(r models.RewardDescriptor, base map[string]any, recipients []string) []grant {
	sig := stringOrCanonical(r.Value)
	grants := make([]grant, 0, len(recipients))
	for _, rcpt := range recipients {
		grants = append(grants, grant{
			recipient:  rcpt,
			rewardType: r.Type,
			signature:  sig,
			details:    with(base, "error", "unsupported reward"),
			failed:     true,
		})
	}
	return grants
}

// stringOrCanonical returns a JSON string value as is and any other value
// re-encoded with sorted keys.
func stringOrCanonical(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func with(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}
