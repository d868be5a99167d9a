package main

import (
	"log"
	"time"

	"keyrelay/config"
	"keyrelay/internal/events"
	"keyrelay/internal/handler"
	"keyrelay/internal/redis"
	"keyrelay/internal/repository"
	"keyrelay/internal/server"
	"keyrelay/internal/services"
	"keyrelay/pkg/database"
	"keyrelay/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	logMode := logger.DevelopmentMode
	if cfg.AppMode == server.ReleaseMode {
		logMode = logger.ProductionMode
	}
	l := logger.New(logMode)
	logger.SetGlobalLogger(l)

	database.Connect(cfg)
	if err := database.Migrate(database.DB); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	redis.Initialize(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	redisClient := redis.GetClient()

	deviceRepo := repository.NewDeviceRepository(database.DB)
	keyRepo := repository.NewKeyRepository(database.DB)
	convRepo := repository.NewConversationRepository(database.DB)
	groupRepo := repository.NewGroupRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	identityRepo := repository.NewIdentityRepository(database.DB)

	publisher := events.NewRedisPublisher(redisClient, events.NewHybridChannelResolver(), l)
	metricsCache := redis.NewMetricsCache(redisClient, time.Duration(cfg.MetricsCacheSeconds)*time.Second)

	keyService := services.NewKeyService(cfg, deviceRepo, keyRepo, convRepo, identityRepo, publisher, l)
	convService := services.NewConversationService(convRepo, deviceRepo, messageRepo, identityRepo, publisher, l)
	groupService := services.NewGroupService(cfg, groupRepo, identityRepo, publisher, l)
	messageService := services.NewMessageService(cfg, messageRepo, convRepo, groupRepo, deviceRepo, identityRepo, publisher, l)
	metricsService := services.NewMetricsService(cfg, keyRepo, messageRepo, deviceRepo, identityRepo, metricsCache, l)
	privacyService := services.NewPrivacyService(identityRepo)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Keys:          handler.NewKeyHandler(keyService),
		Conversations: handler.NewConversationHandler(convService),
		Groups:        handler.NewGroupHandler(groupService),
		Messages:      handler.NewMessageHandler(messageService),
		Privacy:       handler.NewPrivacyHandler(privacyService),
		Metrics:       handler.NewMetricsHandler(metricsService),
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}
