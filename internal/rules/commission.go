package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
)

// DefaultCommissionRate is the revenue-hot-path fallback: returned whenever
// a tier is unknown or every lookup layer fails.
const DefaultCommissionRate = 0.20

// VolumeTier maps a monthly volume threshold to the rate that applies at or
// above it. Thresholds within a rule are strictly ascending.
type VolumeTier struct {
	Threshold float64 `json:"threshold"`
	Rate      float64 `json:"rate"`
}

type CommissionRule struct {
	Tier          string       `json:"tier"`
	BaseRate      float64      `json:"base_rate"`
	VolumeTiers   []VolumeTier `json:"volume_tiers"`
	MinRate       float64      `json:"min_rate"`
	MaxRate       float64      `json:"max_rate"`
	EffectiveDate time.Time    `json:"effective_date"`
	ExpiresDate   *time.Time   `json:"expires_date,omitempty"`
}

// RateFor walks the ascending threshold list and selects the rate of the
// highest threshold less than or equal to monthlyVolume, defaulting to the
// base rate. The result is always clamped to [MinRate, MaxRate].
func (r CommissionRule) RateFor(monthlyVolume float64) float64 {
	rate := r.BaseRate
	for _, vt := range r.VolumeTiers {
		if monthlyVolume >= vt.Threshold {
			rate = vt.Rate
		} else {
			break
		}
	}
	if rate < r.MinRate {
		rate = r.MinRate
	}
	if rate > r.MaxRate {
		rate = r.MaxRate
	}
	return rate
}

func (r CommissionRule) validate() error {
	if r.Tier == "" {
		return fmt.Errorf("%w: commission rule needs a tier", pkgerrors.ErrValidation)
	}
	if r.BaseRate < 0 || r.BaseRate > 1 {
		return fmt.Errorf("%w: tier %q base_rate %v outside [0,1]", pkgerrors.ErrValidation, r.Tier, r.BaseRate)
	}
	if r.MinRate < 0 || r.MinRate > r.MaxRate || r.MaxRate > 1 {
		return fmt.Errorf("%w: tier %q rate bounds [%v,%v] invalid", pkgerrors.ErrValidation, r.Tier, r.MinRate, r.MaxRate)
	}
	prev := -1.0
	for _, vt := range r.VolumeTiers {
		if vt.Threshold <= prev {
			return fmt.Errorf("%w: tier %q volume thresholds must be strictly ascending", pkgerrors.ErrValidation, r.Tier)
		}
		if vt.Threshold < 0 {
			return fmt.Errorf("%w: tier %q volume threshold %v negative", pkgerrors.ErrValidation, r.Tier, vt.Threshold)
		}
		if vt.Rate < 0 || vt.Rate > 1 {
			return fmt.Errorf("%w: tier %q volume rate %v outside [0,1]", pkgerrors.ErrValidation, r.Tier, vt.Rate)
		}
		prev = vt.Threshold
	}
	return nil
}

// CommissionRules is the commission schedule for every tier.
type CommissionRules struct {
	Tiers map[string]CommissionRule `json:"tiers"`
}

func (s *CommissionRules) Type() RuleType { return RuleTypeCommission }

func (s *CommissionRules) Validate() error {
	if len(s.Tiers) == 0 {
		return fmt.Errorf("%w: commission schedule needs at least one tier", pkgerrors.ErrValidation)
	}
	for key, rule := range s.Tiers {
		if rule.Tier != "" && rule.Tier != key {
			return fmt.Errorf("%w: commission rule keyed %q carries tier %q", pkgerrors.ErrValidation, key, rule.Tier)
		}
		if rule.Tier == "" {
			rule.Tier = key
		}
		if err := rule.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *CommissionRules) Clone() RuleSet {
	out := &CommissionRules{Tiers: make(map[string]CommissionRule, len(s.Tiers))}
	for k, v := range s.Tiers {
		v.VolumeTiers = append([]VolumeTier(nil), v.VolumeTiers...)
		if v.ExpiresDate != nil {
			exp := *v.ExpiresDate
			v.ExpiresDate = &exp
		}
		out.Tiers[k] = v
	}
	return out
}

func (s *CommissionRules) Keys() []string {
	keys := make([]string, 0, len(s.Tiers))
	for k := range s.Tiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *CommissionRules) Has(key string) bool {
	_, ok := s.Tiers[key]
	return ok
}

func (s *CommissionRules) MarshalItem(key string) ([]byte, error) {
	rule, ok := s.Tiers[key]
	if !ok {
		return nil, fmt.Errorf("%w: commission tier %q", pkgerrors.ErrNotFound, key)
	}
	return json.Marshal(rule)
}

func (s *CommissionRules) UnmarshalItem(key string, data []byte) error {
	var rule CommissionRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return fmt.Errorf("decode commission tier %q: %w", key, err)
	}
	if rule.Tier == "" {
		rule.Tier = key
	}
	s.Tiers[key] = rule
	return nil
}
