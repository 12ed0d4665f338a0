package rules

import "testing"

func TestOnboardingRulesValidateRejectsDuplicateOrder(t *testing.T) {
	set := &OnboardingRules{Steps: map[string]OnboardingStep{
		"welcome_email": {Name: "welcome_email", Order: 1, Enabled: true},
		"profile_setup": {Name: "profile_setup", Order: 1, Enabled: true},
	}}
	if err := set.Validate(); err == nil {
		t.Fatal("Validate() accepted steps sharing an order")
	}
}

func TestOnboardingRulesValidateRejectsEmptySequence(t *testing.T) {
	set := &OnboardingRules{Steps: map[string]OnboardingStep{}}
	if err := set.Validate(); err == nil {
		t.Fatal("Validate() accepted an empty onboarding sequence")
	}
}

func TestOnboardingOrdered(t *testing.T) {
	set := &OnboardingRules{Steps: map[string]OnboardingStep{
		"payment_link":  {Name: "payment_link", Order: 3, Enabled: true},
		"welcome_email": {Name: "welcome_email", Order: 1, Enabled: true},
		"profile_setup": {Name: "profile_setup", Order: 2, Enabled: false},
	}}

	steps := set.Ordered()
	if len(steps) != 2 {
		t.Fatalf("Ordered() returned %d steps, want 2 enabled", len(steps))
	}
	if steps[0].Name != "welcome_email" || steps[1].Name != "payment_link" {
		t.Fatalf("Ordered() out of order: %v then %v", steps[0].Name, steps[1].Name)
	}
}

func TestDefaultsValidateForEveryRuleType(t *testing.T) {
	for _, ruleType := range AllRuleTypes() {
		set := Defaults(ruleType)
		if set == nil {
			t.Fatalf("Defaults(%q) is nil", ruleType)
		}
		if set.Type() != ruleType {
			t.Fatalf("Defaults(%q) has type %q", ruleType, set.Type())
		}
		if err := set.Validate(); err != nil {
			t.Fatalf("Defaults(%q) fail their own validation: %v", ruleType, err)
		}
	}
}
