package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fanscale/fanscale-backend/internal/http/response"
	"github.com/fanscale/fanscale-backend/internal/logger"
	"github.com/fanscale/fanscale-backend/internal/middleware"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/rules"
	"github.com/fanscale/fanscale-backend/internal/services"
)

// RulesHandler exposes the engine's operations to the admin HTTP layer.
// Authn/authz for this surface lives in front of it and is not handled here.
type RulesHandler struct {
	engine      services.RulesEngine
	coordinator *services.SyncCoordinator
	log         *logger.Logger
}

func NewRulesHandler(engine services.RulesEngine, coordinator *services.SyncCoordinator, baseLog *logger.Logger) *RulesHandler {
	return &RulesHandler{
		engine:      engine,
		coordinator: coordinator,
		log:         baseLog.With("handler", "RulesHandler"),
	}
}

func adminID(c *gin.Context) string {
	if id := c.GetString(middleware.AdminIDKey); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Admin-ID")); id != "" {
		return id
	}
	return "unknown"
}

func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrValidation):
		response.RespondError(c, http.StatusBadRequest, "validation_failed", err)
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
	case errors.Is(err, pkgerrors.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, pkgerrors.ErrDependencyUnavailable):
		response.RespondError(c, http.StatusServiceUnavailable, "dependency_unavailable", err)
	default:
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}

// GetRuleSet returns the current snapshot of one rule type.
func (h *RulesHandler) GetRuleSet(c *gin.Context) {
	t, err := rules.ParseRuleType(c.Param("type"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	set, version, ok := h.engine.CurrentRuleSet(t)
	if !ok {
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New("rule type not loaded"))
		return
	}
	response.RespondOK(c, gin.H{"rule_type": t, "version": version, "rules": set})
}

func (h *RulesHandler) updateRules(c *gin.Context, set rules.RuleSet) {
	version, err := h.engine.UpdateRules(c.Request.Context(), set, adminID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"rule_type": set.Type(), "version": version})
}

func (h *RulesHandler) UpdateCommissionRules(c *gin.Context) {
	var set rules.CommissionRules
	if err := c.ShouldBindJSON(&set); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	h.updateRules(c, &set)
}

func (h *RulesHandler) UpdateMarketingStrategies(c *gin.Context) {
	var set rules.MarketingRules
	if err := c.ShouldBindJSON(&set); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	h.updateRules(c, &set)
}

func (h *RulesHandler) UpdateFeatureFlags(c *gin.Context) {
	var set rules.FeatureFlagRules
	if err := c.ShouldBindJSON(&set); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	h.updateRules(c, &set)
}

func (h *RulesHandler) UpdateOnboarding(c *gin.Context) {
	var set rules.OnboardingRules
	if err := c.ShouldBindJSON(&set); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	h.updateRules(c, &set)
}

func (h *RulesHandler) UpdateABTesting(c *gin.Context) {
	var set rules.ABTestingRules
	if err := c.ShouldBindJSON(&set); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	h.updateRules(c, &set)
}

type simulateCommissionRequest struct {
	Tier          string  `json:"tier" binding:"required"`
	MonthlyVolume float64 `json:"monthly_volume"`
}

// SimulateCommission is a pure read over the commission schedule, used by
// admins to preview a creator's effective rate.
func (h *RulesHandler) SimulateCommission(c *gin.Context) {
	var req simulateCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	rate := h.engine.GetCommissionRate(c.Request.Context(), req.Tier, req.MonthlyVolume)
	response.RespondOK(c, gin.H{
		"tier":           req.Tier,
		"monthly_volume": req.MonthlyVolume,
		"rate":           rate,
		"commission":     req.MonthlyVolume * rate,
	})
}

// GetMarketingStrategy looks up the strategy for an account size, with
// optional comma-separated category adjustments.
func (h *RulesHandler) GetMarketingStrategy(c *gin.Context) {
	accountSize := c.Query("account_size")
	if accountSize == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", errors.New("account_size is required"))
		return
	}
	var categories []string
	if raw := c.Query("categories"); raw != "" {
		categories = strings.Split(raw, ",")
	}
	strategy, ok := h.engine.GetMarketingStrategy(c.Request.Context(), accountSize, categories)
	if !ok {
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New("unknown account size"))
		return
	}
	response.RespondOK(c, strategy)
}

// CheckFeatureFlag evaluates one flag, optionally for a specific user.
func (h *RulesHandler) CheckFeatureFlag(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", errors.New("name is required"))
		return
	}
	enabled := h.engine.IsFeatureEnabled(c.Request.Context(), name, c.Query("user_id"))
	response.RespondOK(c, gin.H{"name": name, "enabled": enabled})
}

type rollbackRequest struct {
	RuleType      string `json:"rule_type" binding:"required"`
	TargetVersion int64  `json:"target_version" binding:"required"`
}

func (h *RulesHandler) Rollback(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	t, err := rules.ParseRuleType(req.RuleType)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	version, err := h.engine.RollbackToVersion(c.Request.Context(), t, req.TargetVersion, adminID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"rule_type": t, "restored_version": req.TargetVersion, "version": version})
}

type refreshRequest struct {
	Reason string `json:"reason"`
}

// Refresh triggers a fleet-wide full reload, used for manual recovery.
func (h *RulesHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := h.coordinator.RequestRefresh(c.Request.Context(), req.Reason); err != nil {
		respondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"refreshed": true, "reason": req.Reason})
}

// AuditLog returns mutation history within [start, end], ascending.
func (h *RulesHandler) AuditLog(c *gin.Context) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
			return
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
			return
		}
		end = parsed
	}
	entries, err := h.engine.GetAuditLog(c.Request.Context(), start, end)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"start": start, "end": end, "entries": entries})
}

func (h *RulesHandler) Status(c *gin.Context) {
	status := h.engine.Status()
	response.RespondOK(c, gin.H{
		"version":      status.Version,
		"rule_types":   status.RuleTypes,
		"backups":      status.Backups,
		"recent_audit": status.RecentAudit,
		"sync_running": h.coordinator.IsRunning(),
		"node_id":      h.coordinator.NodeID(),
	})
}
