package main

import (
	"log"
	"time"

	"github.com/convohq/convo/internal/broker"
	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/config"
	"github.com/convohq/convo/internal/database"
	"github.com/convohq/convo/internal/handler"
	"github.com/convohq/convo/internal/journal"
	"github.com/convohq/convo/internal/middleware"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/internal/service"
	"github.com/convohq/convo/internal/tasks"
	"github.com/convohq/convo/pkg/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// journalRetention bounds how far back the event journal is kept on boot.
const journalRetention = 30 * 24 * time.Hour

func main() {
	cfg := config.Load()

	if err := logger.Init(cfg.Environment != "production"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Log.Info("Config loaded successfully")

	database.Connect(cfg)
	database.Migrate()

	// Redis: shared by the unread cache, presence, rate limiting and asynq.
	cacheClient, err := cache.New(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer cacheClient.Close()

	// Event journal: every published room event is appended before it is
	// fanned out, so the stream can be audited or replayed.
	eventJournal, err := journal.New(cfg.EventJournalPath)
	if err != nil {
		logger.Log.Fatal("Failed to open event journal", zap.Error(err))
	}
	defer eventJournal.Close()
	if err := eventJournal.CompactBefore(time.Now().Add(-journalRetention)); err != nil {
		logger.Log.Warn("Event journal compaction failed", zap.Error(err))
	}

	eventBroker, err := broker.NewRedisEventBroker(cfg.RedisURL, eventJournal)
	if err != nil {
		logger.Log.Fatal("Failed to initialize event broker", zap.Error(err))
	}
	defer eventBroker.Close()

	// Background task queue (user deletion cascade).
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL for task queue", zap.Error(err))
	}
	taskClient := asynq.NewClient(redisOpt)
	defer taskClient.Close()

	// Repositories
	userRepo := repository.NewUserRepository(database.DB)
	roomRepo := repository.NewRoomRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)

	// Services
	readTracker := service.NewReadTracker(messageRepo, cacheClient, cfg.UnreadCacheTTL)
	presenceTracker := service.NewPresenceTracker(cacheClient, userRepo, cfg.PresenceTTL)
	authService := service.NewAuthService(userRepo, presenceTracker, taskClient, cfg.JWTSecret, cfg.JWTExpiry, cfg.Environment)
	roomService := service.NewRoomService(roomRepo, userRepo, readTracker, cacheClient, eventBroker)
	messageService := service.NewMessageService(messageRepo, roomRepo, readTracker, eventBroker)

	// Task worker runs in-process; the cascade queue is small and the
	// server already owns every dependency the processor needs.
	taskServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 5,
	})
	taskMux := asynq.NewServeMux()
	taskMux.Handle(tasks.TypeUserCascadeDelete, tasks.NewCascadeProcessor(roomRepo, messageRepo, cacheClient))
	go func() {
		if err := taskServer.Run(taskMux); err != nil {
			logger.Log.Fatal("Task worker stopped", zap.Error(err))
		}
	}()

	// Handlers
	authHandler := handler.NewAuthHandler(authService)
	roomHandler := handler.NewRoomHandler(roomService)
	messageHandler := handler.NewMessageHandler(messageService)
	wsHandler := handler.NewWebSocketHandler(roomRepo, presenceTracker, cacheClient, eventBroker)

	go func() {
		if err := wsHandler.Run(); err != nil {
			logger.Log.Fatal("Event fan-out stopped", zap.Error(err))
		}
	}()

	rateLimiter := middleware.NewRateLimiter(cacheClient.Client(), middleware.RateLimiterConfig{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
		BlockTime:   cfg.RateLimitBlockTime,
	})

	router := gin.Default()
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.HSTSMiddleware(cfg.Environment == "production"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(rateLimiter.Middleware())

	// Public routes
	router.POST("/api/auth/register", authHandler.Register)
	router.POST("/api/auth/login", authHandler.Login)

	// Protected routes (require JWT)
	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		protected.GET("/users", middleware.AdminMiddleware(), authHandler.ListUsers)
		protected.GET("/users/me", authHandler.GetProfile)
		protected.PUT("/users/me/status", authHandler.UpdateStatus)
		protected.DELETE("/users/:id", authHandler.DeleteUser)

		protected.POST("/rooms", roomHandler.Create)
		protected.GET("/rooms", roomHandler.List)
		protected.GET("/rooms/:id", roomHandler.Get)
		protected.PUT("/rooms/:id", roomHandler.Update)
		protected.DELETE("/rooms/:id", roomHandler.Delete)
		protected.POST("/rooms/:id/participants", roomHandler.AddParticipants)
		protected.DELETE("/rooms/:id/participants/:userId", roomHandler.RemoveParticipant)
		protected.POST("/rooms/:id/admins/:userId", roomHandler.MakeAdmin)
		protected.DELETE("/rooms/:id/admins/:userId", roomHandler.RemoveAdmin)

		protected.POST("/rooms/:id/messages", messageHandler.Send)
		protected.GET("/rooms/:id/messages", messageHandler.List)
		protected.POST("/rooms/:id/read", messageHandler.MarkRoomRead)
		protected.GET("/rooms/:id/unread", messageHandler.UnreadCount)

		protected.PUT("/messages/:id", messageHandler.Update)
		protected.DELETE("/messages/:id", messageHandler.Delete)
		protected.POST("/messages/:id/read", messageHandler.MarkRead)
		protected.GET("/messages/:id/receipts", messageHandler.ReadReceipts)
		protected.GET("/unread", messageHandler.TotalUnreadCount)

		// WebSocket connection
		protected.GET("/ws", wsHandler.HandleWebSocket)
	}

	logger.Log.Info("Server starting", zap.String("port", cfg.ServerPort))
	if err := router.Run(cfg.ServerPort); err != nil {
		logger.Log.Fatal("Failed to start server", zap.Error(err))
	}
}
