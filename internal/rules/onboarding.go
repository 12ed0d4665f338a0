package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
)

// OnboardingStep is one stage of the creator onboarding sequence, consumed
// by the email/onboarding integrations.
type OnboardingStep struct {
	Name       string `json:"name"`
	Order      int    `json:"order"`
	Enabled    bool   `json:"enabled"`
	DelayHours int    `json:"delay_hours"`
	Template   string `json:"template,omitempty"`
}

func (o OnboardingStep) validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: onboarding step needs a name", pkgerrors.ErrValidation)
	}
	if o.Order < 0 {
		return fmt.Errorf("%w: onboarding step %q order %d negative", pkgerrors.ErrValidation, o.Name, o.Order)
	}
	if o.DelayHours < 0 {
		return fmt.Errorf("%w: onboarding step %q delay_hours %d negative", pkgerrors.ErrValidation, o.Name, o.DelayHours)
	}
	return nil
}

// OnboardingRules holds the onboarding sequence keyed by step name.
type OnboardingRules struct {
	Steps map[string]OnboardingStep `json:"steps"`
}

func (s *OnboardingRules) Type() RuleType { return RuleTypeOnboarding }

func (s *OnboardingRules) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: onboarding sequence needs at least one step", pkgerrors.ErrValidation)
	}
	orders := make(map[int]string, len(s.Steps))
	for key, step := range s.Steps {
		if step.Name != "" && step.Name != key {
			return fmt.Errorf("%w: onboarding step keyed %q carries name %q", pkgerrors.ErrValidation, key, step.Name)
		}
		if step.Name == "" {
			step.Name = key
		}
		if err := step.validate(); err != nil {
			return err
		}
		if other, dup := orders[step.Order]; dup {
			return fmt.Errorf("%w: onboarding steps %q and %q share order %d", pkgerrors.ErrValidation, other, step.Name, step.Order)
		}
		orders[step.Order] = step.Name
	}
	return nil
}

func (s *OnboardingRules) Clone() RuleSet {
	out := &OnboardingRules{Steps: make(map[string]OnboardingStep, len(s.Steps))}
	for k, v := range s.Steps {
		out.Steps[k] = v
	}
	return out
}

// Ordered returns the enabled steps sorted by their order field.
func (s *OnboardingRules) Ordered() []OnboardingStep {
	steps := make([]OnboardingStep, 0, len(s.Steps))
	for _, step := range s.Steps {
		if step.Enabled {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

func (s *OnboardingRules) Keys() []string {
	keys := make([]string, 0, len(s.Steps))
	for k := range s.Steps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *OnboardingRules) Has(key string) bool {
	_, ok := s.Steps[key]
	return ok
}

func (s *OnboardingRules) MarshalItem(key string) ([]byte, error) {
	step, ok := s.Steps[key]
	if !ok {
		return nil, fmt.Errorf("%w: onboarding step %q", pkgerrors.ErrNotFound, key)
	}
	return json.Marshal(step)
}

func (s *OnboardingRules) UnmarshalItem(key string, data []byte) error {
	var step OnboardingStep
	if err := json.Unmarshal(data, &step); err != nil {
		return fmt.Errorf("decode onboarding step %q: %w", key, err)
	}
	if step.Name == "" {
		step.Name = key
	}
	s.Steps[key] = step
	return nil
}
