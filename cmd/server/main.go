package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/assesshub/backend/internal/config"
	"github.com/assesshub/backend/internal/database"
	"github.com/assesshub/backend/internal/handlers"
	"github.com/assesshub/backend/internal/metrics"
	"github.com/assesshub/backend/internal/middleware"
	"github.com/assesshub/backend/internal/provider"
	"github.com/assesshub/backend/internal/services"
	"github.com/assesshub/backend/internal/storage"
	"github.com/assesshub/backend/pkg/logger"
	"github.com/assesshub/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	// Audit export to object storage is optional; without an endpoint the
	// audit trail stays in Postgres only.
	var storageClient *storage.MinIOClient
	if cfg.MinIO.Endpoint != "" {
		storageClient, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	github, err := provider.NewGitHubClient(cfg.GitHub)
	if err != nil {
		log.Fatalf("github client initialization failed: %v", err)
	}

	auditService := services.NewAuditService(db, storageClient)
	auditService.StartExporter(cfg.Audit.ExportInterval)

	mailer := services.NewResendMailer(cfg.Email)
	notifications := services.NewNotificationService(mailer, cfg.Server.AppBaseURL)

	inviteService := services.NewInviteService(db)
	lifecycle := services.NewLifecycleService(db, github, auditService, cfg.GitHub.RequestTimeout)
	lifecycle.Inspector = github
	lifecycle.Archiver = github

	authHandler := handlers.NewAuthHandler(db, auditService)
	candidateHandler := handlers.NewCandidateHandler(lifecycle)
	challengesHandler := handlers.NewChallengesHandler(db, github, auditService, cfg.GitHub.RequestTimeout)
	invitesHandler := handlers.NewInvitesHandler(db, inviteService, notifications, github, auditService, cfg.GitHub.RequestTimeout)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(metrics.NewRequestHandler("assesshub"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metrics.Handler())

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)

	candidateRoutes := api.Group("/candidate")
	candidateRoutes.Get("/start/:token", candidateHandler.GetAssignment)
	candidateRoutes.Post("/start/:token", candidateHandler.Start)
	candidateRoutes.Post("/refresh/:token", candidateHandler.Refresh)
	candidateRoutes.Post("/submit/:token", candidateHandler.Submit)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Post("/challenges", challengesHandler.Create)
	adminRoutes.Get("/challenges", challengesHandler.List)
	adminRoutes.Get("/challenges/:id", challengesHandler.Get)
	adminRoutes.Post("/challenges/:id/archive", challengesHandler.Archive)
	adminRoutes.Post("/challenges/:id/invites", invitesHandler.Create)
	adminRoutes.Get("/invites/:id", invitesHandler.Get)
	adminRoutes.Get("/invites/:id/compare", invitesHandler.Compare)
	adminRoutes.Post("/invites/:id/follow-up", invitesHandler.FollowUp)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
