package rules

import "time"

// Defaults returns the hard-coded safe configuration for a rule type. Used
// on first load when the durable store is unreachable and as the last
// fallback layer on hot-path reads.
func Defaults(t RuleType) RuleSet {
	switch t {
	case RuleTypeCommission:
		return defaultCommissionRules()
	case RuleTypeMarketing:
		return defaultMarketingRules()
	case RuleTypeFeatureFlags:
		return defaultFeatureFlagRules()
	case RuleTypeOnboarding:
		return defaultOnboardingRules()
	case RuleTypeABTesting:
		return defaultABTestingRules()
	}
	return nil
}

func defaultCommissionRules() *CommissionRules {
	effective := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	return &CommissionRules{Tiers: map[string]CommissionRule{
		"entry": {
			Tier:     "entry",
			BaseRate: 0.20,
			VolumeTiers: []VolumeTier{
				{Threshold: 1000, Rate: 0.18},
				{Threshold: 5000, Rate: 0.15},
				{Threshold: 10000, Rate: 0.12},
			},
			MinRate:       0.10,
			MaxRate:       0.25,
			EffectiveDate: effective,
		},
		"mid": {
			Tier:     "mid",
			BaseRate: 0.17,
			VolumeTiers: []VolumeTier{
				{Threshold: 5000, Rate: 0.14},
				{Threshold: 20000, Rate: 0.11},
			},
			MinRate:       0.08,
			MaxRate:       0.20,
			EffectiveDate: effective,
		},
		"premium": {
			Tier:     "premium",
			BaseRate: 0.14,
			VolumeTiers: []VolumeTier{
				{Threshold: 10000, Rate: 0.11},
				{Threshold: 50000, Rate: 0.08},
			},
			MinRate:       0.05,
			MaxRate:       0.18,
			EffectiveDate: effective,
		},
	}}
}

func defaultMarketingRules() *MarketingRules {
	return &MarketingRules{Strategies: map[string]MarketingStrategy{
		"micro": {
			AccountSize: "micro",
			PricingSuggestions: map[string]PriceRange{
				"subscription": {Min: 4.99, Max: 9.99},
				"ppv":          {Min: 3, Max: 15},
			},
			ContentSchedule:   map[string]int{"instagram": 4, "twitter": 5, "tiktok": 3},
			TargetCategories:  []string{"lifestyle"},
			EngagementTactics: []string{"welcome_messages", "follower_shoutouts"},
			PriorityScore:     1,
		},
		"small": {
			AccountSize: "small",
			PricingSuggestions: map[string]PriceRange{
				"subscription": {Min: 7.99, Max: 14.99},
				"ppv":          {Min: 5, Max: 25},
			},
			ContentSchedule:   map[string]int{"instagram": 5, "twitter": 6, "tiktok": 4},
			TargetCategories:  []string{"lifestyle", "fitness"},
			EngagementTactics: []string{"welcome_messages", "weekly_polls"},
			PriorityScore:     2,
		},
		"medium": {
			AccountSize: "medium",
			PricingSuggestions: map[string]PriceRange{
				"subscription": {Min: 9.99, Max: 19.99},
				"ppv":          {Min: 10, Max: 50},
			},
			ContentSchedule:   map[string]int{"instagram": 6, "twitter": 7, "tiktok": 5},
			TargetCategories:  []string{"fitness", "fashion"},
			EngagementTactics: []string{"weekly_polls", "collab_posts", "vip_lists"},
			PriorityScore:     3,
		},
		"large": {
			AccountSize: "large",
			PricingSuggestions: map[string]PriceRange{
				"subscription": {Min: 14.99, Max: 29.99},
				"ppv":          {Min: 20, Max: 100},
			},
			ContentSchedule:   map[string]int{"instagram": 7, "twitter": 10, "tiktok": 7},
			TargetCategories:  []string{"fashion", "music"},
			EngagementTactics: []string{"collab_posts", "vip_lists", "live_events"},
			PriorityScore:     5,
		},
	}}
}

func defaultFeatureFlagRules() *FeatureFlagRules {
	half := 50.0
	return &FeatureFlagRules{Flags: map[string]FeatureFlag{
		"ai_message_generation": {Name: "ai_message_generation", Enabled: true},
		"new_onboarding_flow":   {Name: "new_onboarding_flow", Enabled: true, RolloutPercentage: &half},
		"advanced_analytics":    {Name: "advanced_analytics", Enabled: false},
		"instant_payouts":       {Name: "instant_payouts", Enabled: false},
	}}
}

func defaultOnboardingRules() *OnboardingRules {
	return &OnboardingRules{Steps: map[string]OnboardingStep{
		"welcome_email":    {Name: "welcome_email", Order: 1, Enabled: true, DelayHours: 0, Template: "welcome_v2"},
		"profile_setup":    {Name: "profile_setup", Order: 2, Enabled: true, DelayHours: 24, Template: "profile_nudge"},
		"payment_link":     {Name: "payment_link", Order: 3, Enabled: true, DelayHours: 48, Template: "payment_setup"},
		"first_post_nudge": {Name: "first_post_nudge", Order: 4, Enabled: false, DelayHours: 72, Template: "content_tips"},
	}}
}

func defaultABTestingRules() *ABTestingRules {
	return &ABTestingRules{Experiments: map[string]Experiment{
		"pricing_page_layout": {
			Name:   "pricing_page_layout",
			Active: true,
			Variants: []Variant{
				{Name: "control", Weight: 50},
				{Name: "tiered_cards", Weight: 50},
			},
		},
	}}
}
