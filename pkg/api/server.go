// Package api exposes the orchestrator caller surface over HTTP: agent
// and tool invocation, review pipeline runs, and health.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kodustech/kodus-flow/pkg/orchestrator"
	"github.com/kodustech/kodus-flow/pkg/review"
)

// Config tunes the API server.
type Config struct {
	// AuthToken protects every /api route when set.
	AuthToken string

	Logger *slog.Logger
}

// Server is the HTTP front of one orchestration.
type Server struct {
	orch    *orchestrator.Orchestrator
	reviews *review.Service
	logger  *slog.Logger
	cfg     Config
}

// NewServer creates an API server. reviews may be nil when the review
// pipeline is not configured; its routes then answer 503.
func NewServer(orch *orchestrator.Orchestrator, reviews *review.Service, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:    orch,
		reviews: reviews,
		logger:  logger.With("component", "api"),
		cfg:     cfg,
	}
}

// Router builds the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))

	router.GET("/health", s.Health)

	v1 := router.Group("/api/v1")
	if s.cfg.AuthToken != "" {
		v1.Use(TokenAuth(s.cfg.AuthToken))
	}
	{
		v1.POST("/agents/:name/call", s.CallAgent)
		v1.GET("/tools", s.ListTools)
		v1.POST("/tools/:name/call", s.CallTool)
		v1.POST("/reviews", s.CreateReview)
		v1.GET("/reviews/:id", s.GetReview)
	}
	return router
}

// Health reports liveness and the kernel status.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"kernel": s.orch.Kernel().Status(),
	})
}
