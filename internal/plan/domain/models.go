// Package domain defines the plan catalog and the configuration-store
// contract (upgrades, top-ups, feature gates).
package domain

// Feature flags gated by plan tier.
const (
	FeatureAdvancedAnalysis   = "advanced_analysis"
	FeatureProposalGeneration = "proposal_generation"
	FeatureLeadScoring        = "lead_scoring"
	FeatureRealtimeSupport    = "realtime_support"
)

// Plan is one subscription tier. Amounts are satang (THB minor unit).
type Plan struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	MonthlyAllowance   int64    `json:"monthly_allowance"`
	MonthlyPriceSatang int64    `json:"monthly_price_satang"`
	OverageRateSatang  int64    `json:"overage_rate_satang"`
	AllowOverage       bool     `json:"allow_overage"`
	FeatureFlags       []string `json:"feature_flags"`
	Description        string   `json:"description"`
	Recommended        bool     `json:"recommended,omitempty"`
}

// Catalog holds the offered tiers. Overage gets cheaper per unit as the
// included allowance grows.
var Catalog = []Plan{
	{
		ID:                 "basic",
		Name:               "Basic Plan",
		MonthlyAllowance:   50,
		MonthlyPriceSatang: 250_000,
		OverageRateSatang:  7_500,
		AllowOverage:       true,
		FeatureFlags:       []string{FeatureProposalGeneration},
		Description:        "Small clinics, core scan workflow",
	},
	{
		ID:                 "professional",
		Name:               "Professional Plan",
		MonthlyAllowance:   200,
		MonthlyPriceSatang: 850_000,
		OverageRateSatang:  6_000,
		AllowOverage:       true,
		FeatureFlags:       []string{FeatureAdvancedAnalysis, FeatureProposalGeneration, FeatureLeadScoring},
		Description:        "Mid-size clinics, full analysis suite",
		Recommended:        true,
	},
	{
		ID:                 "premium",
		Name:               "Premium Plan",
		MonthlyAllowance:   500,
		MonthlyPriceSatang: 1_800_000,
		OverageRateSatang:  4_500,
		AllowOverage:       true,
		FeatureFlags:       []string{FeatureAdvancedAnalysis, FeatureProposalGeneration, FeatureLeadScoring, FeatureRealtimeSupport},
		Description:        "Large clinics, premium features",
	},
	{
		ID:                 "enterprise",
		Name:               "Enterprise Plan",
		MonthlyAllowance:   1000,
		MonthlyPriceSatang: 3_500_000,
		OverageRateSatang:  3_500,
		AllowOverage:       true,
		FeatureFlags:       []string{FeatureAdvancedAnalysis, FeatureProposalGeneration, FeatureLeadScoring, FeatureRealtimeSupport},
		Description:        "Clinic networks, VIP support",
	},
}

// DefaultPlanID is assigned at tenant onboarding.
const DefaultPlanID = "professional"

// FindPlan returns the catalog entry for id, or nil.
func FindPlan(id string) *Plan {
	for i := range Catalog {
		if Catalog[i].ID == id {
			return &Catalog[i]
		}
	}
	return nil
}
