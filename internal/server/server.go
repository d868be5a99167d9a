package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyrelay/config"
	"keyrelay/internal/handler"
	"keyrelay/internal/middleware"
	"keyrelay/internal/transport/httpdto"
	"keyrelay/pkg/database"
	"keyrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Keys          *handler.KeyHandler
	Conversations *handler.ConversationHandler
	Groups        *handler.GroupHandler
	Messages      *handler.MessageHandler
	Privacy       *handler.PrivacyHandler
	Metrics       *handler.MetricsHandler
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.AppPort),
			Handler: engine,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) SetupRoutes(handlers *Handlers) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if err := database.HealthCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	auth := middleware.AuthMiddleware([]byte(s.config.JWTSecret))

	e2ee := s.engine.Group("/v1/e2ee", auth)
	{
		e2ee.POST("/keys/bundle", handlers.Keys.UploadBundle)
		e2ee.GET("/users/:userID/key-bundles", handlers.Keys.FetchBundles)
		e2ee.POST("/keys/prekeys/claim", handlers.Keys.ClaimPrekey)

		e2ee.GET("/devices", handlers.Keys.ListDevices)
		e2ee.POST("/devices/:deviceID/revoke", handlers.Keys.RevokeDevice)

		e2ee.POST("/conversations", handlers.Conversations.Create)
		e2ee.GET("/conversations", handlers.Conversations.List)
		e2ee.GET("/conversations/:conversationID", handlers.Conversations.Get)
		e2ee.GET("/conversations/:conversationID/messages", handlers.Messages.ListConversationMessages)

		e2ee.POST("/groups", handlers.Groups.Create)
		e2ee.GET("/groups", handlers.Groups.List)
		e2ee.POST("/groups/join", handlers.Groups.Join)
		e2ee.GET("/groups/:groupID", handlers.Groups.Get)
		e2ee.PATCH("/groups/:groupID", handlers.Groups.Update)
		e2ee.POST("/groups/:groupID/close", handlers.Groups.Close)
		e2ee.GET("/groups/:groupID/epoch", handlers.Groups.Epoch)
		e2ee.GET("/groups/:groupID/members", handlers.Groups.ListMembers)
		e2ee.POST("/groups/:groupID/members", handlers.Groups.AddMembers)
		e2ee.DELETE("/groups/:groupID/members/:userID", handlers.Groups.RemoveMember)
		e2ee.POST("/groups/:groupID/leave", handlers.Groups.Leave)
		e2ee.POST("/groups/:groupID/members/:userID/ban", handlers.Groups.Ban)
		e2ee.POST("/groups/:groupID/members/:userID/unban", handlers.Groups.Unban)
		e2ee.POST("/groups/:groupID/members/:userID/promote", handlers.Groups.Promote)
		e2ee.POST("/groups/:groupID/members/:userID/demote", handlers.Groups.Demote)
		e2ee.POST("/groups/:groupID/members/:userID/mute", handlers.Groups.Mute)
		e2ee.POST("/groups/:groupID/members/:userID/unmute", handlers.Groups.Unmute)
		e2ee.GET("/groups/:groupID/invites", handlers.Groups.ListInvites)
		e2ee.POST("/groups/:groupID/invites", handlers.Groups.CreateInvite)
		e2ee.DELETE("/groups/:groupID/invites/:inviteID", handlers.Groups.RevokeInvite)
		e2ee.GET("/groups/:groupID/messages", handlers.Messages.ListGroupMessages)

		e2ee.POST("/messages", handlers.Messages.Send)
		e2ee.POST("/messages/:messageID/delivered", handlers.Messages.MarkDelivered)
		e2ee.POST("/messages/:messageID/read", handlers.Messages.MarkRead)

		e2ee.GET("/blocks", handlers.Privacy.List)
		e2ee.POST("/blocks", handlers.Privacy.Block)
		e2ee.DELETE("/blocks/:userID", handlers.Privacy.Unblock)

		e2ee.GET("/metrics", handlers.Metrics.Summary)
	}
}

func (s *Server) Start() error {
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	if s.logger != nil {
		s.logger.Infof("Server is running on :%s", s.config.AppPort)
	}

	<-quit

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}

	return nil
}
