package billing

import "github.com/artpar/comparellm/domain/account"

// Amount thresholds in minor currency units.
const (
	ProMinAmount  int64 = 2500
	PlusMinAmount int64 = 500
)

// PlanPrices maps configured price ids to tiers.
type PlanPrices map[string]account.Tier

// TierFromAmount maps a charged amount to a tier.
func TierFromAmount(amountMinor int64) account.Tier {
	switch {
	case amountMinor >= ProMinAmount:
		return account.TierPro
	case amountMinor >= PlusMinAmount:
		return account.TierPlus
	}
	return account.TierFree
}

// DeriveTier picks the tier for a charge. The amount wins; the price id is
// only consulted when the amount says free.
// This is a PURE function.
func DeriveTier(amountMinor int64, priceID string, plans PlanPrices) account.Tier {
	tier := TierFromAmount(amountMinor)
	if tier != account.TierFree || priceID == "" {
		return tier
	}
	if t, ok := plans[priceID]; ok && t.Valid() {
		return t
	}
	return tier
}
