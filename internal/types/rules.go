package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RuleRecord is one durable row per (rule_type, instance key). Rows are
// superseded by upserts, never deleted; keys dropped from a rule set are
// flipped inactive instead.
type RuleRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	RuleType  string         `gorm:"size:32;not null;uniqueIndex:idx_rule_record_type_key,priority:1" json:"rule_type"`
	RecordKey string         `gorm:"size:128;not null;uniqueIndex:idx_rule_record_type_key,priority:2" json:"record_key"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
	Version   int64          `gorm:"not null" json:"version"`
	Active    bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (RuleRecord) TableName() string { return "rule_record" }

// RuleAuditRecord is the persisted audit trail. Append-only.
type RuleAuditRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RuleType    string    `gorm:"size:32;not null;index" json:"rule_type"`
	AdminUserID string    `gorm:"size:128;not null" json:"admin_user_id"`
	Version     int64     `gorm:"not null" json:"version"`
	Action      string    `gorm:"size:16;not null" json:"action"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (RuleAuditRecord) TableName() string { return "rule_audit_record" }
