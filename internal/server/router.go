package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fanscale/fanscale-backend/internal/handlers"
	"github.com/fanscale/fanscale-backend/internal/middleware"
)

type RouterConfig struct {
	RulesHandler    *handlers.RulesHandler
	HealthHandler   *handlers.HealthHandler
	AdminMiddleware *middleware.AdminMiddleware
	AllowOrigins    []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Admin-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)

	admin := router.Group("/admin/rules")
	admin.Use(cfg.AdminMiddleware.RequireIdentity())
	{
		admin.GET("/status", cfg.RulesHandler.Status)
		admin.GET("/audit", cfg.RulesHandler.AuditLog)
		admin.POST("/rollback", cfg.RulesHandler.Rollback)
		admin.POST("/refresh", cfg.RulesHandler.Refresh)

		admin.PUT("/commission", cfg.RulesHandler.UpdateCommissionRules)
		admin.POST("/commission/simulate", cfg.RulesHandler.SimulateCommission)
		admin.PUT("/marketing", cfg.RulesHandler.UpdateMarketingStrategies)
		admin.GET("/marketing/strategy", cfg.RulesHandler.GetMarketingStrategy)
		admin.PUT("/flags", cfg.RulesHandler.UpdateFeatureFlags)
		admin.GET("/flags/check", cfg.RulesHandler.CheckFeatureFlag)
		admin.PUT("/onboarding", cfg.RulesHandler.UpdateOnboarding)
		admin.PUT("/ab-testing", cfg.RulesHandler.UpdateABTesting)

		// keep last: catches the five rule type names
		admin.GET("/:type", cfg.RulesHandler.GetRuleSet)
	}

	return router
}
