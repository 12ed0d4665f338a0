package rules

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
)

// FeatureFlag gates one feature. When Enabled and a rollout percentage is
// configured, only that fraction of users sees the feature, selected by a
// deterministic hash so the same user always gets the same answer.
type FeatureFlag struct {
	Name              string   `json:"name"`
	Enabled           bool     `json:"enabled"`
	RolloutPercentage *float64 `json:"rollout_percentage,omitempty"`
}

func (f FeatureFlag) validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: feature flag needs a name", pkgerrors.ErrValidation)
	}
	if f.RolloutPercentage != nil && (*f.RolloutPercentage < 0 || *f.RolloutPercentage > 100) {
		return fmt.Errorf("%w: flag %q rollout_percentage %v outside [0,100]", pkgerrors.ErrValidation, f.Name, *f.RolloutPercentage)
	}
	return nil
}

// EnabledFor evaluates the flag for one user. Disabled flags are false for
// everyone; enabled flags without rollout config (or without a user id) are
// true for everyone.
func (f FeatureFlag) EnabledFor(userID string) bool {
	if !f.Enabled {
		return false
	}
	if f.RolloutPercentage == nil || userID == "" {
		return f.Enabled
	}
	return float64(rolloutBucket(f.Name, userID)) < *f.RolloutPercentage
}

// rolloutBucket maps (flag, user) onto [0,100) with FNV-1a. Stable across
// processes and restarts, which keeps rollout decisions deterministic.
func rolloutBucket(name, userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(userID))
	return h.Sum32() % 100
}

// FeatureFlagRules is the full flag table.
type FeatureFlagRules struct {
	Flags map[string]FeatureFlag `json:"flags"`
}

func (s *FeatureFlagRules) Type() RuleType { return RuleTypeFeatureFlags }

func (s *FeatureFlagRules) Validate() error {
	if len(s.Flags) == 0 {
		return fmt.Errorf("%w: flag table needs at least one flag", pkgerrors.ErrValidation)
	}
	for key, flag := range s.Flags {
		if flag.Name != "" && flag.Name != key {
			return fmt.Errorf("%w: flag keyed %q carries name %q", pkgerrors.ErrValidation, key, flag.Name)
		}
		if flag.Name == "" {
			flag.Name = key
		}
		if err := flag.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *FeatureFlagRules) Clone() RuleSet {
	out := &FeatureFlagRules{Flags: make(map[string]FeatureFlag, len(s.Flags))}
	for k, v := range s.Flags {
		if v.RolloutPercentage != nil {
			pct := *v.RolloutPercentage
			v.RolloutPercentage = &pct
		}
		out.Flags[k] = v
	}
	return out
}

func (s *FeatureFlagRules) Keys() []string {
	keys := make([]string, 0, len(s.Flags))
	for k := range s.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *FeatureFlagRules) Has(key string) bool {
	_, ok := s.Flags[key]
	return ok
}

func (s *FeatureFlagRules) MarshalItem(key string) ([]byte, error) {
	flag, ok := s.Flags[key]
	if !ok {
		return nil, fmt.Errorf("%w: feature flag %q", pkgerrors.ErrNotFound, key)
	}
	return json.Marshal(flag)
}

func (s *FeatureFlagRules) UnmarshalItem(key string, data []byte) error {
	var flag FeatureFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return fmt.Errorf("decode feature flag %q: %w", key, err)
	}
	if flag.Name == "" {
		flag.Name = key
	}
	s.Flags[key] = flag
	return nil
}
