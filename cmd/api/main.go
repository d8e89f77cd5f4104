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
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/config"
	"github.com/noah-isme/egov-messaging-api/internal/database"
	"github.com/noah-isme/egov-messaging-api/internal/handler"
	"github.com/noah-isme/egov-messaging-api/internal/middleware"
	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
	"github.com/noah-isme/egov-messaging-api/internal/repository"
	"github.com/noah-isme/egov-messaging-api/internal/router"
	"github.com/noah-isme/egov-messaging-api/internal/service"
	cloud "github.com/noah-isme/egov-messaging-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	relay := selectRelay(cfg, natsConn, redisClient, logger)

	var storage service.FileStorage
	if cfg.CloudinaryEnabled() {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		storage = uploader
	} else {
		logger.Warn().Msg("cloudinary not configured; attachment uploads disabled")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	conversationRepo := repository.NewConversationRepository(db)
	userRepo := repository.NewUserRepository(db)

	broker := realtime.NewBroker(conversationRepo, relay, realtime.Options{
		QueueSize:           cfg.QueueSize,
		IdleTimeout:         cfg.IdleTimeout,
		AuthTimeout:         cfg.AuthTimeout,
		SharedStaffInbox:    cfg.SharedStaffInbox,
		TypingLiveness:      cfg.TypingLiveness,
		TypingStaleAfter:    cfg.TypingStaleAfter,
		TypingSweepInterval: cfg.TypingSweepInterval,
	}, logger)

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	broker.Start(brokerCtx)

	messagingService := service.NewMessagingService(conversationRepo, userRepo, broker, validate, logger,
		service.WithMaxAttachments(cfg.AttachmentMaxFiles))
	attachmentService := service.NewAttachmentService(storage, cfg.AttachmentMaxMB, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.AttachmentMaxMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		MessagingHandler:      handler.NewMessagingHandler(messagingService, logger),
		RealtimeHandler:       handler.NewRealtimeHandler(broker, logger),
		AttachmentHandler:     handler.NewAttachmentHandler(attachmentService, logger),
		JWTMiddleware:         middleware.JWTProtected(cfg.JWTSecret),
		OptionalJWTMiddleware: middleware.JWTOptional(cfg.JWTSecret),
		TypingLimiter:         middleware.RateLimit("typing", cfg.TypingRatePerSecond, time.Second),
		NodeID:                broker.Engine().NodeID(),
		Sessions:              broker,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Str("node_id", broker.Engine().NodeID()).
		Bool("shared_staff_inbox", cfg.SharedStaffInbox).
		Msg("messaging broker started")

	waitForShutdown(app, func() {
		stopBroker()
		broker.Shutdown()
	})
}

// selectRelay picks a single cluster transport. NATS wins when both are configured.
func selectRelay(cfg config.Config, natsConn *nats.Conn, redisClient *redis.Client, logger zerolog.Logger) realtime.Relay {
	switch {
	case natsConn != nil:
		logger.Info().Str("subject", realtime.NATSSubject(cfg.RelayChannel)).Msg("cluster relay over nats")
		return realtime.NewNATSRelay(natsConn, cfg.RelayChannel)
	case redisClient != nil:
		logger.Info().Str("channel", cfg.RelayChannel).Msg("cluster relay over redis")
		return realtime.NewRedisRelay(redisClient, cfg.RelayChannel)
	default:
		logger.Warn().Msg("no cluster relay configured; fan-out is local to this node")
		return nil
	}
}

func waitForShutdown(app *fiber.App, stopRealtime func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	// Websocket sessions are hijacked and must be closed before the HTTP server.
	stopRealtime()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
