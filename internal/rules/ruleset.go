package rules

import (
	"fmt"
	"time"
)

// RuleSet is the unit the engine stores, validates, backs up and persists.
// One implementation exists per RuleType; dispatch happens on the concrete
// type, never on string comparison.
type RuleSet interface {
	Type() RuleType
	// Validate checks every invariant of the rule family. A set that fails
	// validation is never applied.
	Validate() error
	// Clone returns a deep copy. Backups and copy-on-write swaps rely on
	// clones never sharing mutable state with the original.
	Clone() RuleSet
	// Keys lists the instance keys (tier, account size, flag name, ...)
	// in the set. One durable record exists per key.
	Keys() []string
	// Has reports whether an instance is stored under key. Sits on the
	// hot path, so it must stay a plain map lookup.
	Has(key string) bool
	// MarshalItem serializes the instance stored under key.
	MarshalItem(key string) ([]byte, error)
	// UnmarshalItem inserts an instance from its serialized form.
	UnmarshalItem(key string, data []byte) error
}

// EmptyRuleSet returns the zero-value set for a rule type, ready to be
// filled record by record from the persistence gateway.
func EmptyRuleSet(t RuleType) (RuleSet, error) {
	switch t {
	case RuleTypeCommission:
		return &CommissionRules{Tiers: map[string]CommissionRule{}}, nil
	case RuleTypeMarketing:
		return &MarketingRules{Strategies: map[string]MarketingStrategy{}}, nil
	case RuleTypeFeatureFlags:
		return &FeatureFlagRules{Flags: map[string]FeatureFlag{}}, nil
	case RuleTypeOnboarding:
		return &OnboardingRules{Steps: map[string]OnboardingStep{}}, nil
	case RuleTypeABTesting:
		return &ABTestingRules{Experiments: map[string]Experiment{}}, nil
	}
	return nil, fmt.Errorf("unknown rule type %q", t)
}

// AuditAction distinguishes how a version came to be.
type AuditAction string

const (
	AuditActionUpdate   AuditAction = "update"
	AuditActionRollback AuditAction = "rollback"
)

// AuditEntry records one successful mutation. Entries are immutable once
// written.
type AuditEntry struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	RuleType    RuleType    `json:"rule_type"`
	AdminUserID string      `json:"admin_user_id"`
	Version     int64       `json:"version"`
	Action      AuditAction `json:"action"`
}

// BackupSnapshot is a point-in-time copy of one rule type's data, captured
// immediately before every mutation so the content can be rolled back.
type BackupSnapshot struct {
	RuleType    RuleType  `json:"rule_type"`
	Version     int64     `json:"version"`
	AdminUserID string    `json:"admin_user_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Data        RuleSet   `json:"-"`
}
