package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/loka-go-api/internal/config"
	"github.com/noah-isme/loka-go-api/internal/database"
	"github.com/noah-isme/loka-go-api/internal/handler"
	"github.com/noah-isme/loka-go-api/internal/middleware"
	"github.com/noah-isme/loka-go-api/internal/models"
	"github.com/noah-isme/loka-go-api/internal/repository"
	"github.com/noah-isme/loka-go-api/internal/router"
	"github.com/noah-isme/loka-go-api/internal/service"
	"github.com/noah-isme/loka-go-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Activity{}, &models.ResourceRecord{}, &models.DriveMember{}, &models.Subscription{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	defer natsConn.Close()

	validate := validator.New(validator.WithRequiredStructEnabled())

	activityRepo := repository.NewActivityLogRepository(db)
	resourceRepo := repository.NewResourceRepository(db)
	memberRepo := repository.NewDriveMemberRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	uow := repository.NewUnitOfWork(db, activityRepo, resourceRepo)

	permissions := service.NewDrivePermissionChecker(memberRepo, resourceRepo)
	subscriptions := service.NewSubscriptionLookup(subscriptionRepo)
	clock := service.SystemClock()

	var summarizer ai.Summarizer
	switch {
	case cfg.AIProvider == "openai" && cfg.OpenAIAPIKey != "":
		openAISummarizer, err := ai.NewOpenAISummarizer(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.AIModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create openai summarizer: %v", err)
		}
		summarizer = openAISummarizer
	case cfg.AIProvider == "anthropic" && cfg.AnthropicAPIKey != "":
		anthropicSummarizer, err := ai.NewAnthropicSummarizer(ai.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AIModel,
		})
		if err != nil {
			log.Fatalf("failed to create anthropic summarizer: %v", err)
		}
		summarizer = anthropicSummarizer
	}

	retentionService := service.NewRetentionService(activityRepo, subscriptions, clock, logger)
	activityService := service.NewActivityService(activityRepo, retentionService, redisClient, cfg.HistoryCacheTTL, validate, logger)
	rollbackService := service.NewRollbackService(activityRepo, resourceRepo, uow, permissions, clock, validate, logger)
	toPointService := service.NewRollbackToPointService(activityRepo, resourceRepo, uow, permissions, clock, summarizer, validate, logger)
	eventService := service.NewActivityEventService(redisClient, natsConn, logger)

	runCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()
	eventService.Start(runCtx)

	activityHandler := handler.NewActivityHandler(activityService, retentionService, eventService, logger)
	rollbackHandler := handler.NewRollbackHandler(rollbackService, toPointService, activityService, eventService, logger)
	streamHandler := handler.NewStreamHandler(eventService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ActivityHandler: activityHandler,
		RollbackHandler: rollbackHandler,
		StreamHandler:   streamHandler,
		JWTMiddleware:   middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
