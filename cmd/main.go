package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fanscale/fanscale-backend/internal/cache"
	"github.com/fanscale/fanscale-backend/internal/db"
	"github.com/fanscale/fanscale-backend/internal/handlers"
	"github.com/fanscale/fanscale-backend/internal/logger"
	"github.com/fanscale/fanscale-backend/internal/middleware"
	"github.com/fanscale/fanscale-backend/internal/repos"
	"github.com/fanscale/fanscale-backend/internal/server"
	"github.com/fanscale/fanscale-backend/internal/services"
	"github.com/fanscale/fanscale-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}

	// Redis
	rulesCache, err := cache.NewRedisCache(log)
	if err != nil {
		log.Fatal("Redis init failed", "error", err)
	}
	defer func() { _ = rulesCache.Close() }()

	// Repos
	rulesRepo := repos.NewRulesRepo(postgresService.DB(), log)

	// Engine
	baseEngine := services.NewRulesEngine(rulesRepo, rulesCache, log)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := baseEngine.Bootstrap(bootCtx); err != nil {
		log.Warn("Bootstrap degraded, some rule types run on defaults", "error", err)
	}
	bootCancel()

	// Sync
	coordinator := services.NewSyncCoordinator(rulesCache, baseEngine, log)
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	if err := coordinator.Start(syncCtx); err != nil {
		log.Fatal("Sync coordinator start failed", "error", err)
	}
	engine := services.NewSyncAwareRulesEngine(baseEngine, coordinator, log)

	// HTTP
	rulesHandler := handlers.NewRulesHandler(engine, coordinator, log)
	healthHandler := handlers.NewHealthHandler()

	var origins []string
	if raw := utils.GetEnv("CORS_ALLOW_ORIGINS", "", log); raw != "" {
		origins = strings.Split(raw, ",")
	}
	router := server.NewRouter(server.RouterConfig{
		RulesHandler:    rulesHandler,
		HealthHandler:   healthHandler,
		AdminMiddleware: middleware.NewAdminMiddleware(log),
		AllowOrigins:    origins,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Rules service listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	// stop the coordinator last so in-flight mutations still broadcast
	coordinator.Stop()
}
