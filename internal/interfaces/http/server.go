package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
	"github.com/modelgate/modelgate/internal/infrastructure/monitoring"
	"github.com/modelgate/modelgate/internal/infrastructure/persistence"
	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/interfaces/http/handlers"
)

// Server is the gateway's HTTP front door.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config tunes the HTTP listener.
type Config struct {
	Host string
	Port int
	Mode string // debug, production
}

// Deps collects everything the handlers need. Metrics, bus and log are
// optional; their routes are omitted when nil.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Registry     *routing.Registry
	Holder       *routing.Holder
	Bus          *eventbus.Bus
	Metrics      *monitoring.Metrics
	RequestLog   *persistence.RequestLog
}

// NewServer wires the router.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	var bus pipeline.Publisher = pipeline.NopPublisher{}
	if deps.Bus != nil {
		bus = deps.Bus
	}

	messagesHandler := handlers.NewMessagesHandler(deps.Orchestrator, bus, logger)
	openaiHandler := handlers.NewOpenAIHandler(deps.Orchestrator, deps.Holder, bus, logger)
	adminHandler := handlers.NewAdminHandler(deps.Registry, deps.Holder, deps.RequestLog, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/messages", messagesHandler.CreateMessage)
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.GET("/models", openaiHandler.ListModels)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/backends", adminHandler.ListBackends)
		admin.POST("/backends/:id/enable", adminHandler.SetBackendEnabled(true))
		admin.POST("/backends/:id/disable", adminHandler.SetBackendEnabled(false))
		admin.GET("/routing", adminHandler.ShowRouting)
		admin.GET("/requests", adminHandler.RecentRequests)
		if deps.Bus != nil {
			eventsHandler := handlers.NewEventsHandler(deps.Bus, logger)
			admin.GET("/events", eventsHandler.Subscribe)
		}
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
