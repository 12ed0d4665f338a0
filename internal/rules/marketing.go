package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
)

// MaxWeeklyPosts caps every platform's content schedule, no matter how many
// category adjustments stack on top of the base strategy.
const MaxWeeklyPosts = 20

type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MarketingStrategy is the playbook selected for an account-size tier.
type MarketingStrategy struct {
	AccountSize        string                `json:"account_size"`
	PricingSuggestions map[string]PriceRange `json:"pricing_suggestions"`
	ContentSchedule    map[string]int        `json:"content_schedule"`
	TargetCategories   []string              `json:"target_categories"`
	EngagementTactics  []string              `json:"engagement_tactics"`
	PriorityScore      float64               `json:"priority_score"`
}

func (m MarketingStrategy) validate() error {
	if m.AccountSize == "" {
		return fmt.Errorf("%w: marketing strategy needs an account_size", pkgerrors.ErrValidation)
	}
	for tier, pr := range m.PricingSuggestions {
		if pr.Min < 0 || pr.Max < pr.Min {
			return fmt.Errorf("%w: strategy %q pricing tier %q range [%v,%v] invalid", pkgerrors.ErrValidation, m.AccountSize, tier, pr.Min, pr.Max)
		}
	}
	for platform, posts := range m.ContentSchedule {
		if posts < 0 || posts > MaxWeeklyPosts {
			return fmt.Errorf("%w: strategy %q schedules %d posts/week on %q (max %d)", pkgerrors.ErrValidation, m.AccountSize, posts, platform, MaxWeeklyPosts)
		}
	}
	if m.PriorityScore < 0 {
		return fmt.Errorf("%w: strategy %q priority_score %v negative", pkgerrors.ErrValidation, m.AccountSize, m.PriorityScore)
	}
	return nil
}

func (m MarketingStrategy) clone() MarketingStrategy {
	out := m
	out.PricingSuggestions = make(map[string]PriceRange, len(m.PricingSuggestions))
	for k, v := range m.PricingSuggestions {
		out.PricingSuggestions[k] = v
	}
	out.ContentSchedule = make(map[string]int, len(m.ContentSchedule))
	for k, v := range m.ContentSchedule {
		out.ContentSchedule[k] = v
	}
	out.TargetCategories = append([]string(nil), m.TargetCategories...)
	out.EngagementTactics = append([]string(nil), m.EngagementTactics...)
	return out
}

// CategoryAdjustment tweaks a base strategy for one content category.
type CategoryAdjustment struct {
	ScheduleDeltas map[string]int
	AddedTactics   []string
}

// categoryAdjustments is the fixed per-category delta table applied on top
// of the account-size base strategy.
var categoryAdjustments = map[string]CategoryAdjustment{
	"fitness": {
		ScheduleDeltas: map[string]int{"instagram": 2, "tiktok": 1},
		AddedTactics:   []string{"workout_challenges", "transformation_posts"},
	},
	"fashion": {
		ScheduleDeltas: map[string]int{"instagram": 3},
		AddedTactics:   []string{"outfit_polls", "brand_collabs"},
	},
	"gaming": {
		ScheduleDeltas: map[string]int{"twitter": 2, "tiktok": 2},
		AddedTactics:   []string{"stream_highlights", "community_tournaments"},
	},
	"music": {
		ScheduleDeltas: map[string]int{"tiktok": 3},
		AddedTactics:   []string{"teaser_clips", "fan_remixes"},
	},
	"lifestyle": {
		ScheduleDeltas: map[string]int{"instagram": 1, "twitter": 1},
		AddedTactics:   []string{"day_in_the_life", "q_and_a_sessions"},
	},
}

// Adjusted returns a copy of the strategy with every known category's deltas
// applied: schedule increments (capped at MaxWeeklyPosts per platform) and
// deduplicated tactic unions. Unknown categories are ignored.
func (m MarketingStrategy) Adjusted(categories []string) MarketingStrategy {
	out := m.clone()
	seen := make(map[string]struct{}, len(out.EngagementTactics))
	for _, t := range out.EngagementTactics {
		seen[t] = struct{}{}
	}
	for _, cat := range categories {
		adj, ok := categoryAdjustments[cat]
		if !ok {
			continue
		}
		for platform, delta := range adj.ScheduleDeltas {
			posts := out.ContentSchedule[platform] + delta
			if posts > MaxWeeklyPosts {
				posts = MaxWeeklyPosts
			}
			out.ContentSchedule[platform] = posts
		}
		for _, t := range adj.AddedTactics {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out.EngagementTactics = append(out.EngagementTactics, t)
		}
	}
	return out
}

// MarketingRules holds one strategy per account-size tier.
type MarketingRules struct {
	Strategies map[string]MarketingStrategy `json:"strategies"`
}

func (s *MarketingRules) Type() RuleType { return RuleTypeMarketing }

func (s *MarketingRules) Validate() error {
	if len(s.Strategies) == 0 {
		return fmt.Errorf("%w: marketing rules need at least one strategy", pkgerrors.ErrValidation)
	}
	for key, strat := range s.Strategies {
		if strat.AccountSize != "" && strat.AccountSize != key {
			return fmt.Errorf("%w: strategy keyed %q carries account_size %q", pkgerrors.ErrValidation, key, strat.AccountSize)
		}
		if strat.AccountSize == "" {
			strat.AccountSize = key
		}
		if err := strat.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *MarketingRules) Clone() RuleSet {
	out := &MarketingRules{Strategies: make(map[string]MarketingStrategy, len(s.Strategies))}
	for k, v := range s.Strategies {
		out.Strategies[k] = v.clone()
	}
	return out
}

func (s *MarketingRules) Keys() []string {
	keys := make([]string, 0, len(s.Strategies))
	for k := range s.Strategies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MarketingRules) Has(key string) bool {
	_, ok := s.Strategies[key]
	return ok
}

func (s *MarketingRules) MarshalItem(key string) ([]byte, error) {
	strat, ok := s.Strategies[key]
	if !ok {
		return nil, fmt.Errorf("%w: marketing strategy %q", pkgerrors.ErrNotFound, key)
	}
	return json.Marshal(strat)
}

func (s *MarketingRules) UnmarshalItem(key string, data []byte) error {
	var strat MarketingStrategy
	if err := json.Unmarshal(data, &strat); err != nil {
		return fmt.Errorf("decode marketing strategy %q: %w", key, err)
	}
	if strat.AccountSize == "" {
		strat.AccountSize = key
	}
	s.Strategies[key] = strat
	return nil
}
