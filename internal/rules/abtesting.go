package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
)

// Variant is one arm of an experiment. Weights across an experiment's
// variants sum to 100.
type Variant struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type Experiment struct {
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	Variants []Variant `json:"variants"`
}

func (e Experiment) validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: experiment needs a name", pkgerrors.ErrValidation)
	}
	if len(e.Variants) < 2 {
		return fmt.Errorf("%w: experiment %q needs at least two variants", pkgerrors.ErrValidation, e.Name)
	}
	total := 0.0
	seen := make(map[string]struct{}, len(e.Variants))
	for _, v := range e.Variants {
		if v.Name == "" {
			return fmt.Errorf("%w: experiment %q has an unnamed variant", pkgerrors.ErrValidation, e.Name)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("%w: experiment %q repeats variant %q", pkgerrors.ErrValidation, e.Name, v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.Weight < 0 {
			return fmt.Errorf("%w: experiment %q variant %q weight %v negative", pkgerrors.ErrValidation, e.Name, v.Name, v.Weight)
		}
		total += v.Weight
	}
	if total < 99.999 || total > 100.001 {
		return fmt.Errorf("%w: experiment %q variant weights sum to %v, want 100", pkgerrors.ErrValidation, e.Name, total)
	}
	return nil
}

// VariantFor assigns a user to an arm with the same deterministic bucket
// hash the feature flags use. Inactive experiments return the first variant.
func (e Experiment) VariantFor(userID string) string {
	if len(e.Variants) == 0 {
		return ""
	}
	if !e.Active {
		return e.Variants[0].Name
	}
	bucket := float64(rolloutBucket(e.Name, userID))
	cumulative := 0.0
	for _, v := range e.Variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return v.Name
		}
	}
	return e.Variants[len(e.Variants)-1].Name
}

// ABTestingRules holds every experiment keyed by name.
type ABTestingRules struct {
	Experiments map[string]Experiment `json:"experiments"`
}

func (s *ABTestingRules) Type() RuleType { return RuleTypeABTesting }

func (s *ABTestingRules) Validate() error {
	if len(s.Experiments) == 0 {
		return fmt.Errorf("%w: experiment table needs at least one experiment", pkgerrors.ErrValidation)
	}
	for key, exp := range s.Experiments {
		if exp.Name != "" && exp.Name != key {
			return fmt.Errorf("%w: experiment keyed %q carries name %q", pkgerrors.ErrValidation, key, exp.Name)
		}
		if exp.Name == "" {
			exp.Name = key
		}
		if err := exp.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ABTestingRules) Clone() RuleSet {
	out := &ABTestingRules{Experiments: make(map[string]Experiment, len(s.Experiments))}
	for k, v := range s.Experiments {
		v.Variants = append([]Variant(nil), v.Variants...)
		out.Experiments[k] = v
	}
	return out
}

func (s *ABTestingRules) Keys() []string {
	keys := make([]string, 0, len(s.Experiments))
	for k := range s.Experiments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *ABTestingRules) Has(key string) bool {
	_, ok := s.Experiments[key]
	return ok
}

func (s *ABTestingRules) MarshalItem(key string) ([]byte, error) {
	exp, ok := s.Experiments[key]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %q", pkgerrors.ErrNotFound, key)
	}
	return json.Marshal(exp)
}

func (s *ABTestingRules) UnmarshalItem(key string, data []byte) error {
	var exp Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return fmt.Errorf("decode experiment %q: %w", key, err)
	}
	if exp.Name == "" {
		exp.Name = key
	}
	s.Experiments[key] = exp
	return nil
}
