package repos

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fanscale/fanscale-backend/internal/logger"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/rules"
	"github.com/fanscale/fanscale-backend/internal/types"
)

// RulesRepo is the persistence gateway the engine reloads from and persists
// through. Per-record atomicity only; no cross-record transaction is
// assumed by callers.
type RulesRepo interface {
	// LoadRuleSet assembles the active records of one rule type. Returns
	// the set plus the highest version seen, or ErrNotFound when the type
	// has no active records.
	LoadRuleSet(ctx context.Context, t rules.RuleType) (rules.RuleSet, int64, error)
	// SaveRuleSet upserts one record per key and deactivates records whose
	// keys the set no longer carries.
	SaveRuleSet(ctx context.Context, set rules.RuleSet, version int64) error
	AppendAudit(ctx context.Context, entry rules.AuditEntry) error
	// AuditRange returns entries with timestamps in [start, end], ascending.
	AuditRange(ctx context.Context, start, end time.Time) ([]rules.AuditEntry, error)
}

type rulesRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRulesRepo(db *gorm.DB, baseLog *logger.Logger) RulesRepo {
	return &rulesRepo{db: db, log: baseLog.With("repo", "RulesRepo")}
}

func (r *rulesRepo) LoadRuleSet(ctx context.Context, t rules.RuleType) (rules.RuleSet, int64, error) {
	var records []types.RuleRecord
	if err := r.db.WithContext(ctx).
		Where("rule_type = ? AND active = ?", string(t), true).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("load %s records: %w", t, err)
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("%w: no active %s records", pkgerrors.ErrNotFound, t)
	}

	set, err := rules.EmptyRuleSet(t)
	if err != nil {
		return nil, 0, err
	}
	var version int64
	for _, rec := range records {
		if err := set.UnmarshalItem(rec.RecordKey, rec.Payload); err != nil {
			r.log.Warn("Skipping undecodable rule record", "rule_type", t, "key", rec.RecordKey, "error", err)
			continue
		}
		if rec.Version > version {
			version = rec.Version
		}
	}
	if len(set.Keys()) == 0 {
		return nil, 0, fmt.Errorf("%w: no decodable %s records", pkgerrors.ErrNotFound, t)
	}
	return set, version, nil
}

func (r *rulesRepo) SaveRuleSet(ctx context.Context, set rules.RuleSet, version int64) error {
	t := set.Type()
	keys := set.Keys()
	for _, key := range keys {
		payload, err := set.MarshalItem(key)
		if err != nil {
			return fmt.Errorf("encode %s record %q: %w", t, key, err)
		}
		rec := types.RuleRecord{
			ID:        uuid.New(),
			RuleType:  string(t),
			RecordKey: key,
			Payload:   payload,
			Version:   version,
			Active:    true,
		}
		if err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "rule_type"}, {Name: "record_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"payload", "version", "active", "updated_at"}),
			}).
			Create(&rec).Error; err != nil {
			return fmt.Errorf("upsert %s record %q: %w", t, key, err)
		}
	}
	// Records the set no longer carries are superseded, not deleted. An
	// empty key list would render NOT IN (NULL) and match nothing, so an
	// empty set deactivates the whole type instead.
	stale := r.db.WithContext(ctx).
		Model(&types.RuleRecord{}).
		Where("rule_type = ? AND active = ?", string(t), true)
	if len(keys) > 0 {
		stale = stale.Where("record_key NOT IN ?", keys)
	}
	if err := stale.Updates(map[string]interface{}{"active": false, "version": version}).Error; err != nil {
		return fmt.Errorf("deactivate stale %s records: %w", t, err)
	}
	return nil
}

func (r *rulesRepo) AppendAudit(ctx context.Context, entry rules.AuditEntry) error {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		id = uuid.New()
	}
	rec := types.RuleAuditRecord{
		ID:          id,
		RuleType:    string(entry.RuleType),
		AdminUserID: entry.AdminUserID,
		Version:     entry.Version,
		Action:      string(entry.Action),
		CreatedAt:   entry.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (r *rulesRepo) AuditRange(ctx context.Context, start, end time.Time) ([]rules.AuditEntry, error) {
	var records []types.RuleAuditRecord
	if err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	entries := make([]rules.AuditEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, rules.AuditEntry{
			ID:          rec.ID.String(),
			Timestamp:   rec.CreatedAt,
			RuleType:    rules.RuleType(rec.RuleType),
			AdminUserID: rec.AdminUserID,
			Version:     rec.Version,
			Action:      rules.AuditAction(rec.Action),
		})
	}
	// ascending regardless of retrieval order from the backing segments
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}
