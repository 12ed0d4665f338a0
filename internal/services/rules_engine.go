package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fanscale/fanscale-backend/internal/cache"
	"github.com/fanscale/fanscale-backend/internal/logger"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/repos"
	"github.com/fanscale/fanscale-backend/internal/rules"
	"github.com/fanscale/fanscale-backend/internal/utils"
)

const (
	cacheKeyPrefix   = "rules"
	auditRingKey     = "rules:audit:recent"
	auditRingTTL     = 24 * time.Hour
	auditRingMaxSize = 256
)

// EngineStatus is the admin-facing snapshot of engine health.
type EngineStatus struct {
	Version     int64                   `json:"version"`
	RuleTypes   map[rules.RuleType]bool `json:"rule_types"`
	Backups     map[rules.RuleType]int  `json:"backups"`
	RecentAudit []rules.AuditEntry      `json:"recent_audit"`
}

// RulesEngine owns the in-process rules snapshot and the mutation pipeline.
// Read operations sit on the payment and message-generation hot paths and
// never return an error; they degrade to the last good snapshot and then to
// hard-coded defaults.
type RulesEngine interface {
	GetCommissionRate(ctx context.Context, tier string, monthlyVolume float64) float64
	GetMarketingStrategy(ctx context.Context, accountSize string, categories []string) (rules.MarketingStrategy, bool)
	IsFeatureEnabled(ctx context.Context, name, userID string) bool
	ExperimentVariant(ctx context.Context, name, userID string) (string, bool)
	OnboardingSteps(ctx context.Context) []rules.OnboardingStep

	CurrentRuleSet(t rules.RuleType) (rules.RuleSet, int64, bool)
	UpdateRules(ctx context.Context, set rules.RuleSet, adminID string) (int64, error)
	RollbackToVersion(ctx context.Context, t rules.RuleType, targetVersion int64, adminID string) (int64, error)
	GetAuditLog(ctx context.Context, start, end time.Time) ([]rules.AuditEntry, error)

	ReloadRuleType(ctx context.Context, t rules.RuleType) error
	RefreshAll(ctx context.Context) error
	Bootstrap(ctx context.Context) error

	Version() int64
	Backups(t rules.RuleType) []rules.BackupSnapshot
	Status() EngineStatus
}

type rulesEngine struct {
	log   *logger.Logger
	repo  repos.RulesRepo
	cache cache.Cache
	store *rules.Store

	version atomic.Int64

	// typeMu serializes mutations per rule type. Readers never touch it;
	// they go through the store's own snapshot swap.
	typeMu map[rules.RuleType]*sync.Mutex

	backupMu        sync.Mutex
	backups         map[rules.RuleType][]rules.BackupSnapshot
	backupRetention time.Duration

	auditMu   sync.Mutex
	auditRing []rules.AuditEntry

	opTimeout time.Duration
	cacheTTL  time.Duration
}

func NewRulesEngine(repo repos.RulesRepo, c cache.Cache, baseLog *logger.Logger) RulesEngine {
	log := baseLog.With("service", "RulesEngine")
	typeMu := make(map[rules.RuleType]*sync.Mutex, len(rules.AllRuleTypes()))
	for _, t := range rules.AllRuleTypes() {
		typeMu[t] = &sync.Mutex{}
	}
	return &rulesEngine{
		log:             log,
		repo:            repo,
		cache:           c,
		store:           rules.NewStore(),
		typeMu:          typeMu,
		backups:         make(map[rules.RuleType][]rules.BackupSnapshot),
		backupRetention: utils.GetEnvAsDuration("RULES_BACKUP_RETENTION", 7*24*time.Hour, log),
		opTimeout:       utils.GetEnvAsDuration("RULES_OP_TIMEOUT", 3*time.Second, log),
		cacheTTL:        utils.GetEnvAsDuration("RULES_CACHE_TTL", time.Hour, log),
	}
}

// Bootstrap performs the first load of every rule type. Types with no
// durable records yet are seeded from the hard-coded defaults; an
// unreachable store degrades to in-memory defaults without failing startup.
func (e *rulesEngine) Bootstrap(ctx context.Context) error {
	var firstErr error
	for _, t := range rules.AllRuleTypes() {
		if err := e.reloadFromRepo(ctx, t); err == nil {
			continue
		} else if errors.Is(err, pkgerrors.ErrNotFound) {
			e.seedDefaults(ctx, t)
			continue
		} else {
			e.log.Warn("Initial load failed, serving hard-coded defaults", "rule_type", t, "error", err)
			e.store.Swap(t, rules.Defaults(t))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *rulesEngine) seedDefaults(ctx context.Context, t rules.RuleType) {
	def := rules.Defaults(t)
	version := e.version.Add(1)
	e.store.Swap(t, def)
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	if err := e.repo.SaveRuleSet(opCtx, def, version); err != nil {
		e.log.Warn("Seeding default rules failed, keeping them in memory only", "rule_type", t, "error", err)
		return
	}
	e.fillCache(ctx, def)
	e.log.Info("Seeded default rules", "rule_type", t, "version", version)
}

// reloadFromRepo replaces the in-memory snapshot for one rule type with the
// durable store's current content, then refills the distributed cache.
func (e *rulesEngine) reloadFromRepo(ctx context.Context, t rules.RuleType) error {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	set, version, err := e.repo.LoadRuleSet(opCtx, t)
	if err != nil {
		return err
	}
	e.store.Swap(t, set)
	e.observeVersion(version)
	e.fillCache(ctx, set)
	return nil
}

// ReloadRuleType is the sync entry point: re-read one rule type from the
// persistence gateway, never trusting any broadcast payload as data.
func (e *rulesEngine) ReloadRuleType(ctx context.Context, t rules.RuleType) error {
	mu, ok := e.typeMu[t]
	if !ok {
		return fmt.Errorf("%w: rule type %q", pkgerrors.ErrInvalidArgument, t)
	}
	mu.Lock()
	defer mu.Unlock()
	if err := e.reloadFromRepo(ctx, t); err != nil {
		e.log.Warn("Reload failed, keeping last good snapshot", "rule_type", t, "error", err)
		return err
	}
	return nil
}

// RefreshAll reloads every rule type, fanned out per type.
func (e *rulesEngine) RefreshAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range rules.AllRuleTypes() {
		g.Go(func() error { return e.ReloadRuleType(gctx, t) })
	}
	return g.Wait()
}

func (e *rulesEngine) observeVersion(v int64) {
	for {
		cur := e.version.Load()
		if v <= cur || e.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (e *rulesEngine) Version() int64 { return e.version.Load() }

// ---- hot-path reads ----

func (e *rulesEngine) GetCommissionRate(ctx context.Context, tier string, monthlyVolume float64) float64 {
	if set, ok := e.lookupItem(ctx, rules.RuleTypeCommission, tier); ok {
		if cs, isCommission := set.(*rules.CommissionRules); isCommission {
			if rule, found := cs.Tiers[tier]; found {
				return rule.RateFor(monthlyVolume)
			}
		}
	}
	if def, isCommission := rules.Defaults(rules.RuleTypeCommission).(*rules.CommissionRules); isCommission {
		if rule, found := def.Tiers[tier]; found {
			return rule.RateFor(monthlyVolume)
		}
	}
	e.log.Warn("Unknown commission tier, using safe default rate", "tier", tier)
	return rules.DefaultCommissionRate
}

func (e *rulesEngine) GetMarketingStrategy(ctx context.Context, accountSize string, categories []string) (rules.MarketingStrategy, bool) {
	if set, ok := e.lookupItem(ctx, rules.RuleTypeMarketing, accountSize); ok {
		if ms, isMarketing := set.(*rules.MarketingRules); isMarketing {
			if strat, found := ms.Strategies[accountSize]; found {
				return strat.Adjusted(categories), true
			}
		}
	}
	if def, isMarketing := rules.Defaults(rules.RuleTypeMarketing).(*rules.MarketingRules); isMarketing {
		if strat, found := def.Strategies[accountSize]; found {
			return strat.Adjusted(categories), true
		}
	}
	return rules.MarketingStrategy{}, false
}

func (e *rulesEngine) IsFeatureEnabled(ctx context.Context, name, userID string) bool {
	if set, ok := e.lookupItem(ctx, rules.RuleTypeFeatureFlags, name); ok {
		if fs, isFlags := set.(*rules.FeatureFlagRules); isFlags {
			if flag, found := fs.Flags[name]; found {
				return flag.EnabledFor(userID)
			}
		}
	}
	if def, isFlags := rules.Defaults(rules.RuleTypeFeatureFlags).(*rules.FeatureFlagRules); isFlags {
		if flag, found := def.Flags[name]; found {
			return flag.EnabledFor(userID)
		}
	}
	return false
}

func (e *rulesEngine) ExperimentVariant(ctx context.Context, name, userID string) (string, bool) {
	if set, ok := e.lookupItem(ctx, rules.RuleTypeABTesting, name); ok {
		if as, isAB := set.(*rules.ABTestingRules); isAB {
			if exp, found := as.Experiments[name]; found {
				return exp.VariantFor(userID), true
			}
		}
	}
	return "", false
}

func (e *rulesEngine) OnboardingSteps(ctx context.Context) []rules.OnboardingStep {
	if set, ok := e.store.Get(rules.RuleTypeOnboarding); ok {
		if os, isOnboarding := set.(*rules.OnboardingRules); isOnboarding {
			return os.Ordered()
		}
	}
	if def, isOnboarding := rules.Defaults(rules.RuleTypeOnboarding).(*rules.OnboardingRules); isOnboarding {
		return def.Ordered()
	}
	return nil
}

// lookupItem resolves one instance key through the layered read path:
// in-process store, then distributed cache, then the persistence gateway.
// Each layer back-fills the one above it on a miss. A loaded snapshot is
// authoritative for its whole type: a key it doesn't carry is a definitive
// miss, so repeated reads of a bogus key never reach the cache or the
// gateway.
func (e *rulesEngine) lookupItem(ctx context.Context, t rules.RuleType, key string) (rules.RuleSet, bool) {
	if set, ok := e.store.Get(t); ok {
		return set, set.Has(key)
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	data, err := e.cache.Get(opCtx, e.cacheKey(t, key))
	cancel()
	if err == nil {
		decoded, derr := rules.EmptyRuleSet(t)
		if derr == nil {
			if uerr := decoded.UnmarshalItem(key, data); uerr == nil {
				e.backfillItem(t, key, data)
				return decoded, true
			}
			e.log.Warn("Undecodable cache entry", "rule_type", t, "key", key)
		}
	} else if !errors.Is(err, pkgerrors.ErrCacheMiss) {
		e.log.Warn("Cache read failed, falling through to store", "rule_type", t, "key", key, "error", err)
	}

	if rerr := e.reloadFromRepo(ctx, t); rerr != nil {
		e.log.Warn("Gateway read failed on lookup", "rule_type", t, "key", key, "error", rerr)
	} else if set, ok := e.store.Get(t); ok && set.Has(key) {
		return set, true
	}
	return nil, false
}

// backfillItem folds a cache hit back into the in-process snapshot. Skipped
// when a mutation holds the type lock; the next read lands in the store
// anyway once the mutation swaps its snapshot in.
func (e *rulesEngine) backfillItem(t rules.RuleType, key string, data []byte) {
	mu := e.typeMu[t]
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()
	var base rules.RuleSet
	if cur, ok := e.store.Get(t); ok {
		base = cur.Clone()
	} else {
		empty, err := rules.EmptyRuleSet(t)
		if err != nil {
			return
		}
		base = empty
	}
	if err := base.UnmarshalItem(key, data); err != nil {
		return
	}
	e.store.Swap(t, base)
}

// ---- mutation pipeline ----

func (e *rulesEngine) UpdateRules(ctx context.Context, set rules.RuleSet, adminID string) (int64, error) {
	if set == nil {
		return 0, fmt.Errorf("%w: nil rule set", pkgerrors.ErrInvalidArgument)
	}
	t := set.Type()
	mu, ok := e.typeMu[t]
	if !ok {
		return 0, fmt.Errorf("%w: rule type %q", pkgerrors.ErrInvalidArgument, t)
	}
	if err := set.Validate(); err != nil {
		e.log.Warn("Rejected rule update", "rule_type", t, "admin_user_id", adminID, "error", err)
		return 0, err
	}
	mu.Lock()
	defer mu.Unlock()
	return e.applyLocked(ctx, t, set.Clone(), adminID, rules.AuditActionUpdate)
}

func (e *rulesEngine) RollbackToVersion(ctx context.Context, t rules.RuleType, targetVersion int64, adminID string) (int64, error) {
	mu, ok := e.typeMu[t]
	if !ok {
		return 0, fmt.Errorf("%w: rule type %q", pkgerrors.ErrInvalidArgument, t)
	}
	snap, found := e.findBackup(t, targetVersion)
	if !found {
		return 0, fmt.Errorf("%w: no %s backup at version %d", pkgerrors.ErrNotFound, t, targetVersion)
	}
	mu.Lock()
	defer mu.Unlock()
	return e.applyLocked(ctx, t, snap.Data.Clone(), adminID, rules.AuditActionRollback)
}

// applyLocked runs steps snapshot/swap/invalidate/persist/version/audit of
// the mutation pipeline. The caller holds the type lock and has already
// validated the incoming set. Content reverts on a failed persist, so a
// reported failure never leaves partial state; the version an aborted
// attempt consumed stays as a harmless gap.
func (e *rulesEngine) applyLocked(ctx context.Context, t rules.RuleType, next rules.RuleSet, adminID string, action rules.AuditAction) (int64, error) {
	prev, hadPrev := e.store.Get(t)
	if !hadPrev {
		prev = rules.Defaults(t)
	} else {
		e.captureBackup(t, prev, adminID)
	}

	e.store.Swap(t, next)
	e.invalidateCache(ctx, t)

	version := e.version.Add(1)
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	if err := e.repo.SaveRuleSet(opCtx, next, version); err != nil {
		e.store.Swap(t, prev)
		e.log.Error("Persist failed, restored previous snapshot", "rule_type", t, "error", err)
		return 0, fmt.Errorf("%w: persist %s rules: %v", pkgerrors.ErrDependencyUnavailable, t, err)
	}

	e.fillCache(ctx, next)
	e.appendAudit(ctx, rules.AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		RuleType:    t,
		AdminUserID: adminID,
		Version:     version,
		Action:      action,
	})
	e.log.Info("Applied rule mutation", "rule_type", t, "action", action, "version", version, "admin_user_id", adminID)
	return version, nil
}

// ---- backups ----

func (e *rulesEngine) captureBackup(t rules.RuleType, current rules.RuleSet, adminID string) {
	now := time.Now().UTC()
	snap := rules.BackupSnapshot{
		RuleType:    t,
		Version:     e.version.Load(),
		AdminUserID: adminID,
		CapturedAt:  now,
		Data:        current.Clone(),
	}
	e.backupMu.Lock()
	defer e.backupMu.Unlock()
	kept := e.backups[t][:0]
	cutoff := now.Add(-e.backupRetention)
	for _, b := range e.backups[t] {
		if b.CapturedAt.After(cutoff) {
			kept = append(kept, b)
		}
	}
	e.backups[t] = append(kept, snap)
}

func (e *rulesEngine) findBackup(t rules.RuleType, version int64) (rules.BackupSnapshot, bool) {
	e.backupMu.Lock()
	defer e.backupMu.Unlock()
	cutoff := time.Now().UTC().Add(-e.backupRetention)
	for i := len(e.backups[t]) - 1; i >= 0; i-- {
		b := e.backups[t][i]
		if b.Version == version && b.CapturedAt.After(cutoff) {
			return b, true
		}
	}
	return rules.BackupSnapshot{}, false
}

func (e *rulesEngine) Backups(t rules.RuleType) []rules.BackupSnapshot {
	e.backupMu.Lock()
	defer e.backupMu.Unlock()
	return append([]rules.BackupSnapshot(nil), e.backups[t]...)
}

// ---- audit ----

func (e *rulesEngine) appendAudit(ctx context.Context, entry rules.AuditEntry) {
	e.auditMu.Lock()
	e.auditRing = append(e.auditRing, entry)
	if len(e.auditRing) > auditRingMaxSize {
		e.auditRing = e.auditRing[len(e.auditRing)-auditRingMaxSize:]
	}
	e.auditMu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	if err := e.repo.AppendAudit(opCtx, entry); err != nil {
		e.log.Warn("Audit persist failed, entry kept in ring buffer", "rule_type", entry.RuleType, "version", entry.Version, "error", err)
	}
	if raw, err := json.Marshal(entry); err == nil {
		if err := e.cache.Push(opCtx, auditRingKey, raw); err != nil {
			e.log.Debug("Audit ring push failed", "error", err)
		} else {
			_ = e.cache.Expire(opCtx, auditRingKey, auditRingTTL)
		}
	}
}

func (e *rulesEngine) GetAuditLog(ctx context.Context, start, end time.Time) ([]rules.AuditEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	entries, err := e.repo.AuditRange(opCtx, start, end)
	if err == nil {
		return entries, nil
	}
	e.log.Warn("Audit query fell back to the in-memory ring", "error", err)

	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	var out []rules.AuditEntry
	for _, entry := range e.auditRing {
		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ---- cache plumbing ----

func (e *rulesEngine) cacheKey(t rules.RuleType, key string) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, t, key)
}

func (e *rulesEngine) cachePattern(t rules.RuleType) string {
	return fmt.Sprintf("%s:%s:*", cacheKeyPrefix, t)
}

// invalidateCache drops every cached entry of a rule type. Failures are
// logged, not fatal: entries carry a TTL, so staleness is bounded.
func (e *rulesEngine) invalidateCache(ctx context.Context, t rules.RuleType) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	keys, err := e.cache.KeysMatching(opCtx, e.cachePattern(t))
	if err != nil {
		e.log.Warn("Cache invalidation scan failed", "rule_type", t, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := e.cache.Delete(opCtx, keys...); err != nil {
		e.log.Warn("Cache invalidation delete failed", "rule_type", t, "error", err)
	}
}

func (e *rulesEngine) fillCache(ctx context.Context, set rules.RuleSet) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	t := set.Type()
	for _, key := range set.Keys() {
		payload, err := set.MarshalItem(key)
		if err != nil {
			continue
		}
		if err := e.cache.SetWithTTL(opCtx, e.cacheKey(t, key), e.cacheTTL, payload); err != nil {
			// keep going: one failed write must not strand the rest
			e.log.Debug("Cache fill failed", "rule_type", t, "key", key, "error", err)
			continue
		}
	}
}

// ---- status ----

func (e *rulesEngine) CurrentRuleSet(t rules.RuleType) (rules.RuleSet, int64, bool) {
	set, ok := e.store.Get(t)
	if !ok {
		return nil, 0, false
	}
	return set.Clone(), e.version.Load(), true
}

func (e *rulesEngine) Status() EngineStatus {
	status := EngineStatus{
		Version:   e.version.Load(),
		RuleTypes: e.store.Loaded(),
		Backups:   make(map[rules.RuleType]int, len(rules.AllRuleTypes())),
	}
	e.backupMu.Lock()
	for _, t := range rules.AllRuleTypes() {
		status.Backups[t] = len(e.backups[t])
	}
	e.backupMu.Unlock()

	e.auditMu.Lock()
	n := len(e.auditRing)
	if n > 10 {
		status.RecentAudit = append(status.RecentAudit, e.auditRing[n-10:]...)
	} else {
		status.RecentAudit = append(status.RecentAudit, e.auditRing...)
	}
	e.auditMu.Unlock()
	return status
}
