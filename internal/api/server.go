// Package api provides the HTTP REST surface of the bullpen daemon.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/config"
	"github.com/bullpen-dev/bullpen/internal/common/httpmw"
	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/stream"
	"github.com/bullpen-dev/bullpen/internal/workflow"
)

// Server is the daemon's HTTP API over the engine and store.
type Server struct {
	cfg    *config.Config
	engine *workflow.Engine
	store  *store.Store
	issues IssueService
	hub    *stream.Hub
	logger *logger.Logger
	router *gin.Engine
}

// NewServer wires the REST routes. The hub and issue service may be nil;
// their routes then answer 503.
func NewServer(cfg *config.Config, engine *workflow.Engine, st *store.Store, issues IssueService, hub *stream.Hub, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		store:  st,
		issues: issues,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "bullpen-api"))
	s.router.Use(httpmw.OtelTracing("bullpen-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler; the caller owns the http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	if s.hub != nil {
		s.router.GET("/ws", s.hub.HandleConnection)
	}

	api := s.router.Group("/api/v1")
	{
		// Agent lifecycle
		api.POST("/agents", s.handleCreateAgent)
		api.GET("/agents", s.handleListAgents)
		api.GET("/agents/:id", s.handleGetAgent)
		api.GET("/agents/:id/state", s.handleGetAgentState)
		api.DELETE("/agents/:id", s.handleTerminateAgent)
		api.POST("/agents/:id/review", s.handleRequestReview)
		api.POST("/agents/:id/status", s.handleUpdateStatus)

		// Audit trail
		api.GET("/agents/:id/events", s.handleListEvents)
		api.POST("/agents/:id/events", s.handleLogEvent)
		api.GET("/events/recent", s.handleRecentEvents)

		// GitHub issues
		api.GET("/issues/:number", s.handleGetIssue)
		api.POST("/issues/sync", s.handleSyncIssues)

		// Engine-scoped settings
		api.GET("/config/:key", s.handleGetConfig)
		api.PUT("/config/:key", s.handleSetConfig)
		api.DELETE("/config/:key", s.handleDeleteConfig)
	}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
