package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/fanscale/fanscale-backend/internal/logger"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/rules"
)

func newTestEngine(t *testing.T) (RulesEngine, *fakeRulesRepo, *fakeCache) {
	t.Helper()
	repo := newFakeRulesRepo()
	c := newFakeCache()
	engine := NewRulesEngine(repo, c, logger.NewNop())
	return engine, repo, c
}

func bootstrappedEngine(t *testing.T) (RulesEngine, *fakeRulesRepo, *fakeCache) {
	t.Helper()
	engine, repo, c := newTestEngine(t)
	if err := engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return engine, repo, c
}

func validCommissionUpdate() *rules.CommissionRules {
	return &rules.CommissionRules{Tiers: map[string]rules.CommissionRule{
		"entry": {
			Tier:     "entry",
			BaseRate: 0.22,
			VolumeTiers: []rules.VolumeTier{
				{Threshold: 2000, Rate: 0.19},
			},
			MinRate: 0.10,
			MaxRate: 0.25,
		},
	}}
}

func TestBootstrapSeedsDefaultsAndServesThem(t *testing.T) {
	engine, repo, _ := bootstrappedEngine(t)

	// every rule type persisted
	for _, ruleType := range rules.AllRuleTypes() {
		if len(repo.snapshotBytes(ruleType)) == 0 {
			t.Fatalf("rule type %q was not seeded", ruleType)
		}
	}

	ctx := context.Background()
	cases := []struct {
		volume float64
		want   float64
	}{
		{500, 0.20},
		{1500, 0.18},
		{7500, 0.15},
		{15000, 0.12},
	}
	for _, tc := range cases {
		if got := engine.GetCommissionRate(ctx, "entry", tc.volume); got != tc.want {
			t.Fatalf("GetCommissionRate(entry, %v)=%v, want %v", tc.volume, got, tc.want)
		}
	}
}

func TestGetCommissionRateUnknownTierUsesSafeDefault(t *testing.T) {
	engine, _, _ := bootstrappedEngine(t)
	if got := engine.GetCommissionRate(context.Background(), "no_such_tier", 5000); got != rules.DefaultCommissionRate {
		t.Fatalf("unknown tier returned %v, want %v", got, rules.DefaultCommissionRate)
	}
}

func TestGetCommissionRateDegradesToDefaultsWhenEverythingIsDown(t *testing.T) {
	engine, repo, c := newTestEngine(t)
	repo.failLoad = true
	c.setFailGet(true)

	if got := engine.GetCommissionRate(context.Background(), "entry", 1500); got != 0.18 {
		t.Fatalf("degraded read returned %v, want hard-coded default 0.18", got)
	}
}

func TestUpdateRulesBumpsVersionAndAppendsOneAuditEntry(t *testing.T) {
	engine, repo, c := bootstrappedEngine(t)
	ctx := context.Background()

	before := engine.Version()
	auditBefore := len(repo.auditEntries())

	version, err := engine.UpdateRules(ctx, validCommissionUpdate(), "admin-1")
	if err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}
	if version <= before {
		t.Fatalf("version did not advance: before %d, after %d", before, version)
	}
	if engine.Version() != version {
		t.Fatalf("engine version %d, update returned %d", engine.Version(), version)
	}

	entries := repo.auditEntries()
	if len(entries) != auditBefore+1 {
		t.Fatalf("audit grew by %d entries, want 1", len(entries)-auditBefore)
	}
	last := entries[len(entries)-1]
	if last.Version != version || last.RuleType != rules.RuleTypeCommission || last.Action != rules.AuditActionUpdate || last.AdminUserID != "admin-1" {
		t.Fatalf("audit entry %+v does not match the mutation", last)
	}

	if got := engine.GetCommissionRate(ctx, "entry", 500); got != 0.22 {
		t.Fatalf("updated rate not served: got %v", got)
	}
	if !c.hasKey("rules:commission:entry") {
		t.Fatal("cache was not refilled after the update")
	}
}

func TestUpdateRulesInvalidPayloadLeavesStateUntouched(t *testing.T) {
	engine, repo, _ := bootstrappedEngine(t)
	ctx := context.Background()

	persistedBefore := repo.snapshotBytes(rules.RuleTypeCommission)
	versionBefore := engine.Version()
	rateBefore := engine.GetCommissionRate(ctx, "entry", 1500)
	auditBefore := len(repo.auditEntries())

	bad := validCommissionUpdate()
	tier := bad.Tiers["entry"]
	tier.BaseRate = 1.5
	bad.Tiers["entry"] = tier

	_, err := engine.UpdateRules(ctx, bad, "admin-1")
	if err == nil {
		t.Fatal("UpdateRules accepted base_rate 1.5")
	}
	if !errors.Is(err, pkgerrors.ErrValidation) {
		t.Fatalf("error %v is not ErrValidation", err)
	}

	if engine.Version() != versionBefore {
		t.Fatal("version changed on a rejected update")
	}
	if got := engine.GetCommissionRate(ctx, "entry", 1500); got != rateBefore {
		t.Fatal("in-memory state changed on a rejected update")
	}
	if !reflect.DeepEqual(repo.snapshotBytes(rules.RuleTypeCommission), persistedBefore) {
		t.Fatal("persisted state changed on a rejected update")
	}
	if len(repo.auditEntries()) != auditBefore {
		t.Fatal("audit entry written for a rejected update")
	}
}

func TestUpdateRulesRejectsEmptySet(t *testing.T) {
	engine, repo, _ := bootstrappedEngine(t)
	ctx := context.Background()

	versionBefore := engine.Version()
	auditBefore := len(repo.auditEntries())

	_, err := engine.UpdateRules(ctx, &rules.FeatureFlagRules{Flags: map[string]rules.FeatureFlag{}}, "admin-1")
	if err == nil {
		t.Fatal("UpdateRules accepted an empty flag set")
	}
	if !errors.Is(err, pkgerrors.ErrValidation) {
		t.Fatalf("error %v is not ErrValidation", err)
	}
	if engine.Version() != versionBefore {
		t.Fatal("version advanced for a rejected empty set")
	}
	if len(repo.auditEntries()) != auditBefore {
		t.Fatal("audit entry written for a rejected empty set")
	}
	// the previous flag table must still be what reads observe
	if !engine.IsFeatureEnabled(ctx, "ai_message_generation", "u1") {
		t.Fatal("previously enabled flag no longer reads enabled")
	}
}

func TestUpdateRulesPersistFailureRestoresSnapshot(t *testing.T) {
	engine, repo, _ := bootstrappedEngine(t)
	ctx := context.Background()

	rateBefore := engine.GetCommissionRate(ctx, "entry", 500)

	repo.mu.Lock()
	repo.failSave = true
	repo.mu.Unlock()

	_, err := engine.UpdateRules(ctx, validCommissionUpdate(), "admin-1")
	if err == nil {
		t.Fatal("UpdateRules reported success while the store was down")
	}
	if !errors.Is(err, pkgerrors.ErrDependencyUnavailable) {
		t.Fatalf("error %v is not ErrDependencyUnavailable", err)
	}

	repo.mu.Lock()
	repo.failSave = false
	repo.mu.Unlock()

	if got := engine.GetCommissionRate(ctx, "entry", 500); got != rateBefore {
		t.Fatalf("aborted update leaked into reads: got %v, want %v", got, rateBefore)
	}
}

func TestRollbackRestoresContentWithForwardVersion(t *testing.T) {
	engine, _, _ := bootstrappedEngine(t)
	ctx := context.Background()

	versionBefore := engine.Version()
	rateBefore := engine.GetCommissionRate(ctx, "entry", 500)

	updatedVersion, err := engine.UpdateRules(ctx, validCommissionUpdate(), "admin-1")
	if err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}
	if got := engine.GetCommissionRate(ctx, "entry", 500); got == rateBefore {
		t.Fatal("update did not change the served rate")
	}

	rolledVersion, err := engine.RollbackToVersion(ctx, rules.RuleTypeCommission, versionBefore, "admin-2")
	if err != nil {
		t.Fatalf("RollbackToVersion: %v", err)
	}
	if rolledVersion <= updatedVersion {
		t.Fatalf("rollback version %d did not move forward past %d", rolledVersion, updatedVersion)
	}
	if got := engine.GetCommissionRate(ctx, "entry", 500); got != rateBefore {
		t.Fatalf("rollback served %v, want restored %v", got, rateBefore)
	}
}

func TestRollbackToUnknownVersionFails(t *testing.T) {
	engine, _, _ := bootstrappedEngine(t)
	_, err := engine.RollbackToVersion(context.Background(), rules.RuleTypeCommission, 99999, "admin-1")
	if err == nil {
		t.Fatal("rollback to a version with no backup succeeded")
	}
	if !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("error %v is not ErrNotFound", err)
	}
}

func TestGetAuditLogFallsBackToRing(t *testing.T) {
	engine, repo, _ := bootstrappedEngine(t)
	ctx := context.Background()

	if _, err := engine.UpdateRules(ctx, validCommissionUpdate(), "admin-1"); err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}

	repo.mu.Lock()
	repo.failAuditRange = true
	repo.mu.Unlock()

	entries, err := engine.GetAuditLog(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("ring fallback returned no entries")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatal("entries are not ascending by timestamp")
		}
	}
}

func TestIsFeatureEnabledDeterministicThroughEngine(t *testing.T) {
	engine, _, _ := bootstrappedEngine(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("user-%d", i)
		first := engine.IsFeatureEnabled(ctx, "new_onboarding_flow", user)
		for j := 0; j < 10; j++ {
			if engine.IsFeatureEnabled(ctx, "new_onboarding_flow", user) != first {
				t.Fatalf("flag decision flapped for %q", user)
			}
		}
	}
}

func TestGetMarketingStrategyUnknownSizeIsAbsent(t *testing.T) {
	engine, _, _ := bootstrappedEngine(t)
	if _, ok := engine.GetMarketingStrategy(context.Background(), "galactic", nil); ok {
		t.Fatal("unknown account size produced a strategy")
	}
}

func TestLookupBackfillsFromDistributedCache(t *testing.T) {
	engine, repo, c := newTestEngine(t)
	repo.failLoad = true
	ctx := context.Background()

	rule := rules.CommissionRule{Tier: "vip", BaseRate: 0.30, MinRate: 0.05, MaxRate: 0.40}
	payload, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.SetWithTTL(ctx, "rules:commission:vip", time.Hour, payload); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if got := engine.GetCommissionRate(ctx, "vip", 0); got != 0.30 {
		t.Fatalf("cache layer missed: got %v, want 0.30", got)
	}

	// second read must come from the in-process store
	c.setFailGet(true)
	if got := engine.GetCommissionRate(ctx, "vip", 0); got != 0.30 {
		t.Fatalf("store was not back-filled: got %v", got)
	}
}

func TestUnknownKeyNeverReachesGateway(t *testing.T) {
	engine, repo, _ := bootstrappedEngine(t)
	ctx := context.Background()

	repo.mu.Lock()
	before := repo.loadCalls[rules.RuleTypeCommission]
	repo.mu.Unlock()

	for i := 0; i < 20; i++ {
		if got := engine.GetCommissionRate(ctx, "no_such_tier", 100); got != rules.DefaultCommissionRate {
			t.Fatalf("unknown tier returned %v, want %v", got, rules.DefaultCommissionRate)
		}
	}

	repo.mu.Lock()
	after := repo.loadCalls[rules.RuleTypeCommission]
	repo.mu.Unlock()
	if after != before {
		t.Fatalf("loaded snapshot is authoritative, yet the gateway was hit %d times for a missing key", after-before)
	}
}

func TestFillCacheSurvivesOneFailedWrite(t *testing.T) {
	engine, _, c := bootstrappedEngine(t)
	ctx := context.Background()

	set := validCommissionUpdate()
	set.Tiers["vip"] = rules.CommissionRule{Tier: "vip", BaseRate: 0.15, MinRate: 0.05, MaxRate: 0.25}

	c.mu.Lock()
	c.failSetKey = "rules:commission:entry"
	c.mu.Unlock()

	if _, err := engine.UpdateRules(ctx, set, "admin-1"); err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}
	if c.hasKey("rules:commission:entry") {
		t.Fatal("refused write landed anyway")
	}
	if !c.hasKey("rules:commission:vip") {
		t.Fatal("one failed cache write stranded the remaining keys")
	}
}

func TestConcurrentReadsDuringUpdates(t *testing.T) {
	engine, _, _ := bootstrappedEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rate := engine.GetCommissionRate(ctx, "entry", 500)
				if rate != 0.20 && rate != 0.22 {
					t.Errorf("reader observed unexpected rate %v", rate)
					return
				}
			}
		}()
	}

	for i := 0; i < 25; i++ {
		set := validCommissionUpdate()
		if i%2 == 1 {
			tier := set.Tiers["entry"]
			tier.BaseRate = 0.20
			set.Tiers["entry"] = tier
		}
		if _, err := engine.UpdateRules(ctx, set, "admin-1"); err != nil {
			t.Fatalf("UpdateRules: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
