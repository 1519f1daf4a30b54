package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/6chenhua/research-agent-backend/pkg/config"
	"github.com/6chenhua/research-agent-backend/pkg/server/handlers"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Server represents the HTTP server
type Server struct {
	config  *config.Config
	router  *gin.Engine
	service handlers.Service
	server  *http.Server
	logger  *slog.Logger
}

// New creates a new server instance
func New(cfg *config.Config, service handlers.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  cfg,
		service: service,
		logger:  logger,
	}
}

// Setup sets up the server routes and middleware
func (s *Server) Setup() {
	if s.config.Server.Mode != "" {
		gin.SetMode(s.config.Server.Mode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(contextMiddleware())
	s.router.Use(loggingMiddleware(s.logger))
	if s.config.Server.MaxBodyBytes > 0 {
		s.router.Use(bodyLimitMiddleware(s.config.Server.MaxBodyBytes))
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes sets up all the routes
func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.service)
	searchHandler := handlers.NewSearchHandler(s.service)
	ingestHandler := handlers.NewIngestHandler(s.service)
	jobsHandler := handlers.NewJobsHandler(s.service)
	graphHandler := handlers.NewGraphHandler(s.service)

	// Health endpoints
	s.router.GET("/health", healthHandler.HealthCheck)
	s.router.GET("/ready", healthHandler.ReadinessCheck)
	s.router.GET("/live", healthHandler.LivenessCheck)
	s.router.GET("/health/detailed", healthHandler.DetailedHealthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/search", searchHandler.Search)
		v1.GET("/stats/search", searchHandler.Stats)

		v1.POST("/ingest", ingestHandler.Ingest)

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobsHandler.Enqueue)
			jobs.GET("", jobsHandler.List)
			jobs.GET("/:id", jobsHandler.Get)
			jobs.DELETE("/:id", jobsHandler.Cancel)
		}
		v1.GET("/checkpoints", jobsHandler.Checkpoints)

		nodes := v1.Group("/nodes")
		{
			nodes.GET("/:uuid", graphHandler.GetNode)
			nodes.GET("/:uuid/neighbors", graphHandler.GetNeighbors)
			nodes.DELETE("/:uuid", graphHandler.DeleteNode)
		}
		v1.GET("/paths", graphHandler.ShortestPath)
		v1.POST("/triplets", graphHandler.AddTriplet)
		v1.GET("/graph/stats", graphHandler.Stats)
		v1.POST("/communities", graphHandler.DetectCommunities)
		v1.GET("/communities", graphHandler.GetCommunities)
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")
	return s.server.Shutdown(ctx)
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// contextMiddleware extracts the caller identity from headers and assigns a
// request id when the client did not send one.
func contextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if userID := c.GetHeader("X-User-ID"); userID != "" {
			ctx = context.WithValue(ctx, types.ContextKeyUserID, userID)
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = context.WithValue(ctx, types.ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func loggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		logger.Log(ctx, level, "http request", attrs...)
	}
}

func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
