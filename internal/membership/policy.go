// Package membership maps membership tiers to weekly booking quotas.
package membership

import "strings"

// Tier is the closed set of membership levels a profile can carry.
type Tier string

const (
	// TierBronze is the entry level and the fallback for unknown values.
	TierBronze Tier = "bronze"
	// TierSilver is the intermediate level.
	TierSilver Tier = "silver"
	// TierGold is the highest level.
	TierGold Tier = "gold"
)

// ParseTier normalises arbitrary input into a known tier. Empty and unknown
// values resolve to TierBronze.
func ParseTier(value string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierSilver:
		return TierSilver
	case TierGold:
		return TierGold
	default:
		return TierBronze
	}
}

// Valid reports whether the tier is one of the declared constants.
func (t Tier) Valid() bool {
	switch t {
	case TierBronze, TierSilver, TierGold:
		return true
	}
	return false
}

// Policy holds the maximum number of same-week bookings allowed per tier.
type Policy struct {
	Bronze int
	Silver int
	Gold   int
}

// DefaultPolicy returns the stock quota table.
func DefaultPolicy() Policy {
	return Policy{Bronze: 2, Silver: 3, Gold: 5}
}

// QuotaFor returns the weekly booking quota for the tier. Unknown tiers get
// the bronze quota.
func (p Policy) QuotaFor(tier Tier) int {
	switch tier {
	case TierSilver:
		return p.Silver
	case TierGold:
		return p.Gold
	case TierBronze:
		return p.Bronze
	default:
		return p.Bronze
	}
}
