package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theodi/learning-orchestrator-sub000/internal/cache"
	"github.com/theodi/learning-orchestrator-sub000/internal/config"
	"github.com/theodi/learning-orchestrator-sub000/internal/database"
	"github.com/theodi/learning-orchestrator-sub000/internal/gcal"
	"github.com/theodi/learning-orchestrator-sub000/internal/hubspot"
	"github.com/theodi/learning-orchestrator-sub000/internal/jobs"
	"github.com/theodi/learning-orchestrator-sub000/internal/mailer"
	"github.com/theodi/learning-orchestrator-sub000/internal/moodle"
	"github.com/theodi/learning-orchestrator-sub000/internal/repository"
	"github.com/theodi/learning-orchestrator-sub000/internal/server"
	"github.com/theodi/learning-orchestrator-sub000/internal/service"
	"github.com/theodi/learning-orchestrator-sub000/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Initialize repositories
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	notificationRepo := repository.NewNotificationLogRepository(db)

	// Initialize gateways
	moodleClient := moodle.NewClient(cfg.MoodleBaseURL, cfg.MoodleToken)
	hubspotClient := hubspot.NewClient(cfg.HubSpotAccessToken)

	// Initialize core services
	enrollmentCache := cache.New(moodleClient, time.Duration(cfg.CacheTTL)*time.Second)
	engine := service.NewEngine(moodleClient, enrollmentCache, enrollmentRepo)
	bulkProcessor := service.NewBulkProcessor(moodleClient, enrollmentRepo)
	verifier := service.NewVerifier(moodleClient, enrollmentCache, enrollmentRepo)

	// Initialize mailer, with calendar enrichment when configured
	mail := mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
	if cfg.GoogleCalendarID != "" && cfg.GoogleCalendarToken != "" {
		mail.SetSessionSource(gcal.NewClient(cfg.GoogleCalendarID, cfg.GoogleCalendarToken))
	}

	// Initialize notification job queue
	queue := jobs.NewQueue(hubspotClient, engine, enrollmentRepo, notificationRepo, mail)

	// Initialize pending-enrollment watcher
	w := watcher.New(cfg, enrollmentRepo, moodleClient, enrollmentCache)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	watcherErr := make(chan error, 1)
	go func() {
		watcherErr <- w.Start(ctx)
	}()

	// Start HTTP server in goroutine
	srv := server.New(engine, bulkProcessor, verifier, queue)
	handler := srv.Handler(cfg.AllowedOrigin)
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.Port)
		serverErr <- server.Run(ctx, ":"+cfg.Port, handler, time.Duration(cfg.ShutdownTimeout)*time.Second)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded")
		case err := <-watcherErr:
			if err != nil && err != context.Canceled {
				log.Printf("Watcher error: %v", err)
			}
		}

		log.Println("Application stopped")
		return nil

	case err := <-watcherErr:
		return err
	case err := <-serverErr:
		return err
	}
}
