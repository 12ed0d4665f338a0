package rules

import "fmt"

// RuleType identifies one of the live-configurable rule families. The set
// is closed: every RuleType has exactly one RuleSet implementation.
type RuleType string

const (
	RuleTypeCommission   RuleType = "commission"
	RuleTypeMarketing    RuleType = "marketing"
	RuleTypeFeatureFlags RuleType = "feature_flags"
	RuleTypeOnboarding   RuleType = "onboarding"
	RuleTypeABTesting    RuleType = "ab_testing"
)

func AllRuleTypes() []RuleType {
	return []RuleType{
		RuleTypeCommission,
		RuleTypeMarketing,
		RuleTypeFeatureFlags,
		RuleTypeOnboarding,
		RuleTypeABTesting,
	}
}

func ParseRuleType(s string) (RuleType, error) {
	t := RuleType(s)
	switch t {
	case RuleTypeCommission, RuleTypeMarketing, RuleTypeFeatureFlags, RuleTypeOnboarding, RuleTypeABTesting:
		return t, nil
	}
	return "", fmt.Errorf("unknown rule type %q", s)
}
