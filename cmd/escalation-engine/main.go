package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/statalert/escalation-engine/internal/api"
	"github.com/statalert/escalation-engine/internal/config"
	"github.com/statalert/escalation-engine/internal/directory"
	"github.com/statalert/escalation-engine/internal/dispatch"
	"github.com/statalert/escalation-engine/internal/engine"
	"github.com/statalert/escalation-engine/internal/hub"
	"github.com/statalert/escalation-engine/internal/logging"
	"github.com/statalert/escalation-engine/internal/repository"
	"github.com/statalert/escalation-engine/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	policies, roster, err := config.LoadPolicies(cfg.Policies.Path)
	if err != nil {
		logging.Fatalf("Failed to load escalation policies: %v", err)
	}

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus for real-time subscribers.
	eventHub := hub.New(cfg.Hub.SubscriberBuffer)

	// Notification dispatcher: resolves recipients and enqueues deliveries.
	dir := directory.NewStatic(policies, roster)
	sinks := make(map[string]dispatch.Sink)
	if cfg.Dispatch.WebhookURL != "" {
		webhook := dispatch.NewWebhookSink(cfg.Dispatch.WebhookURL)
		for _, p := range policies {
			for _, t := range p.Tiers {
				for _, ch := range t.Channels {
					sinks[ch] = webhook
				}
			}
		}
	}
	dispatcher := dispatch.New(dir, policies, sinks, eventHub, dispatch.Options{
		Workers:       cfg.Dispatch.Workers,
		Buffer:        cfg.Dispatch.BufferSize,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryInterval: cfg.Dispatch.RetryInterval,
	})
	dispatcher.Start(ctx)

	// State machine and deadline scheduler, wired to each other.
	var eng *engine.Engine
	sched := scheduler.New(func(alertID string, tier int) error {
		return eng.HandleDeadline(alertID, tier)
	})
	eng = engine.New(db, policies, sched, eventHub, dispatcher)

	// Recover persisted deadlines before serving traffic. A failure here must
	// halt: running with an empty deadline queue would silently drop
	// escalations.
	restored, err := eng.Restore(ctx)
	if err != nil {
		logging.Fatalf("Failed to recover scheduler state: %v", err)
	}
	eventHub.Seed(restored)
	sched.Start(ctx)

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(cfg.Server.RateLimitRPS))

	handler := api.NewHandler(eng, eventHub)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	// Drain in-flight requests before stopping the publishers they fan out to.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	sched.Stop()
	dispatcher.Stop()
	eventHub.Close() // Close all streams gracefully

	slog.Info("shutdown complete")
}
