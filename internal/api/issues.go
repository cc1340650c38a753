package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/store"
)

// IssueService caches GitHub issues locally and exposes them to the API.
type IssueService interface {
	// Sync refreshes the local issue cache and returns how many issues
	// were fetched.
	Sync(ctx context.Context) (int, error)
	// Get returns one issue, or (nil, nil) when it does not exist.
	Get(ctx context.Context, number int) (*store.GitHubIssue, error)
}

func (s *Server) handleGetIssue(c *gin.Context) {
	if s.issues == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "github integration is not configured"})
		return
	}

	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number <= 0 {
		respondBadRequest(c, "issue number must be a positive integer")
		return
	}

	issue, err := s.issues.Get(c.Request.Context(), number)
	if err != nil {
		s.logger.Error("issue lookup failed", zap.Int("number", number), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if issue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "issue not found"})
		return
	}
	c.JSON(http.StatusOK, issue)
}

// SyncIssuesResponse is the POST /issues/sync body.
type SyncIssuesResponse struct {
	Synced int `json:"synced"`
}

func (s *Server) handleSyncIssues(c *gin.Context) {
	if s.issues == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "github integration is not configured"})
		return
	}

	count, err := s.issues.Sync(c.Request.Context())
	if err != nil {
		s.logger.Error("issue sync failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, SyncIssuesResponse{Synced: count})
}
