package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bullpen-dev/bullpen/internal/store"
)

const (
	defaultEventLimit  = 100
	defaultRecentSince = 5 * time.Minute
)

// ListEventsResponse is the GET /agents/:id/events body.
type ListEventsResponse struct {
	InstanceID string         `json:"instance_id"`
	Events     []*store.Event `json:"events"`
	Count      int            `json:"count"`
}

func (s *Server) handleListEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if inst == nil {
		respondInstanceNotFound(c, id)
		return
	}

	limit, ok := queryInt(c, "limit", defaultEventLimit)
	if !ok {
		return
	}

	events, err := s.store.GetEvents(ctx, id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListEventsResponse{InstanceID: id, Events: events, Count: len(events)})
}

// LogEventRequest is the POST /agents/:id/events body. Tool servers report
// their tool calls through this endpoint.
type LogEventRequest struct {
	ToolName         string                 `json:"tool_name"`
	Success          *bool                  `json:"success,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	IsStatusUpdating bool                   `json:"is_status_updating,omitempty"`
	StatusChange     string                 `json:"status_change,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
}

func (s *Server) handleLogEvent(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req LogEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: %v", err)
		return
	}
	if req.ToolName == "" {
		respondBadRequest(c, "tool_name is required")
		return
	}

	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if inst == nil {
		respondInstanceNotFound(c, id)
		return
	}

	success := true
	if req.Success != nil {
		success = *req.Success
	}

	event := &store.Event{
		InstanceID:       id,
		ToolName:         req.ToolName,
		Success:          success,
		ErrorMessage:     req.ErrorMessage,
		IsStatusUpdating: req.IsStatusUpdating,
		StatusChange:     req.StatusChange,
		Parameters:       req.Parameters,
		Result:           req.Result,
	}
	if err := s.store.LogEvent(ctx, event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// RecentEventsResponse is the GET /events/recent body.
type RecentEventsResponse struct {
	Events []*store.Event `json:"events"`
	Count  int            `json:"count"`
	Since  time.Time      `json:"since"`
}

// handleRecentEvents returns events across all instances. The since query
// parameter takes a duration ("15m") or an RFC3339 timestamp; it defaults
// to the last five minutes.
func (s *Server) handleRecentEvents(c *gin.Context) {
	now := time.Now().UTC()
	since := now.Add(-defaultRecentSince)

	if raw := c.Query("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			since = now.Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			since = ts.UTC()
		} else {
			respondBadRequest(c, "since must be a duration or an RFC3339 timestamp")
			return
		}
	}

	limit, ok := queryInt(c, "limit", defaultEventLimit)
	if !ok {
		return
	}

	events, err := s.store.GetRecentEvents(c.Request.Context(), since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RecentEventsResponse{Events: events, Count: len(events), Since: since})
}

// queryInt parses a non-negative integer query parameter. On a malformed
// value it writes the 400 response and reports false.
func queryInt(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondBadRequest(c, "%s must be a non-negative number", name)
		return 0, false
	}
	return n, true
}
