package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/workflow"
)

// CreateAgentRequest is the POST /agents body.
type CreateAgentRequest struct {
	Type            string            `json:"type,omitempty"`
	IssueNumber     *int              `json:"issue_number,omitempty"`
	TargetBranch    string            `json:"target_branch,omitempty"`
	BaseBranch      string            `json:"base_branch"`
	MaxReviews      int               `json:"max_reviews,omitempty"`
	WorktreeOptions []string          `json:"worktree_options,omitempty"`
	SessionEnv      map[string]string `json:"session_env,omitempty"`
	AIArgs          []string          `json:"ai_args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: %v", err)
		return
	}

	instType := store.InstanceType(req.Type)
	if req.Type == "" {
		instType = store.InstanceTypeCoding
	}
	switch instType {
	case store.InstanceTypeCoding, store.InstanceTypePlanning:
	case store.InstanceTypeReview:
		respondBadRequest(c, "review agents are spawned through POST /agents/:id/review")
		return
	default:
		respondBadRequest(c, "unknown agent type: %s", req.Type)
		return
	}

	if req.BaseBranch == "" {
		respondBadRequest(c, "base_branch is required")
		return
	}

	exec, err := s.engine.Execute(c.Request.Context(), workflow.ExecuteRequest{
		Type:            instType,
		IssueNumber:     req.IssueNumber,
		TargetBranch:    req.TargetBranch,
		BaseBranch:      req.BaseBranch,
		MaxReviews:      req.MaxReviews,
		WorktreeOptions: req.WorktreeOptions,
		SessionEnv:      req.SessionEnv,
		AIArgs:          req.AIArgs,
		Env:             req.Env,
	})
	if err != nil {
		s.logger.Error("agent allocation failed", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, exec)
}

// ListAgentsResponse is the GET /agents body.
type ListAgentsResponse struct {
	Agents []*store.Instance `json:"agents"`
	Count  int               `json:"count"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	filter := store.InstanceFilter{
		ParentInstance: c.Query("parent"),
	}
	for _, status := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, store.InstanceStatus(status))
	}
	for _, instType := range c.QueryArray("type") {
		filter.Types = append(filter.Types, store.InstanceType(instType))
	}
	if issue := c.Query("issue"); issue != "" {
		number, err := strconv.Atoi(issue)
		if err != nil {
			respondBadRequest(c, "issue must be a number")
			return
		}
		filter.IssueNumber = &number
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respondBadRequest(c, "limit must be a non-negative number")
			return
		}
		filter.Limit = &n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			respondBadRequest(c, "offset must be a non-negative number")
			return
		}
		filter.Offset = n
	}

	agents, err := s.store.ListInstances(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListAgentsResponse{Agents: agents, Count: len(agents)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id := c.Param("id")
	inst, err := s.store.GetInstance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if inst == nil {
		respondInstanceNotFound(c, id)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleGetAgentState(c *gin.Context) {
	id := c.Param("id")
	state, err := s.engine.GetState(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if state == nil {
		respondInstanceNotFound(c, id)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleTerminateAgent(c *gin.Context) {
	id := c.Param("id")
	reason := c.DefaultQuery("reason", "user_requested")

	if err := s.engine.Terminate(c.Request.Context(), id, reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance_id": id,
		"status":      store.StatusTerminated,
		"reason":      reason,
	})
}

// UpdateStatusRequest is the POST /agents/:id/status body.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

var validStatuses = map[store.InstanceStatus]bool{
	store.StatusStarted:       true,
	store.StatusWaitingReview: true,
	store.StatusPRCreated:     true,
	store.StatusPRClosed:      true,
	store.StatusPRMerged:      true,
	store.StatusTerminated:    true,
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	id := c.Param("id")

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: %v", err)
		return
	}
	status := store.InstanceStatus(req.Status)
	if !validStatuses[status] {
		respondBadRequest(c, "unknown status: %s", req.Status)
		return
	}

	inst, err := s.engine.UpdateStatus(c.Request.Context(), id, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// RequestReviewRequest is the optional POST /agents/:id/review body.
type RequestReviewRequest struct {
	MaxReviews int `json:"max_reviews,omitempty"`
}

// RequestReviewResponse is the POST /agents/:id/review body on success.
type RequestReviewResponse struct {
	ReviewInstanceID string              `json:"review_instance_id"`
	ParentInstanceID string              `json:"parent_instance_id"`
	Iteration        int                 `json:"iteration"`
	Execution        *workflow.Execution `json:"execution"`
}

// handleRequestReview gates the request, spawns the review agent on the
// parent's work branch, and records the lineage edge. A spawn failure rolls
// the parent back to started so the request can be retried.
func (s *Server) handleRequestReview(c *gin.Context) {
	ctx := c.Request.Context()
	parentID := c.Param("id")

	var req RequestReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, "invalid request: %v", err)
		return
	}

	reviewID, err := s.engine.RequestReview(ctx, parentID, req.MaxReviews)
	if err != nil {
		respondError(c, err)
		return
	}

	parent, err := s.store.GetInstance(ctx, parentID)
	if err != nil {
		respondError(c, err)
		return
	}
	if parent == nil {
		respondInstanceNotFound(c, parentID)
		return
	}
	iteration, err := s.nextReviewIteration(c, parentID)
	if err != nil {
		respondError(c, err)
		return
	}

	// The review works on top of what the parent produced, so it branches
	// off the parent's work branch rather than the original base.
	exec, err := s.engine.Execute(ctx, workflow.ExecuteRequest{
		ID:               reviewID,
		Type:             store.InstanceTypeReview,
		IssueNumber:      parent.IssueNumber,
		BaseBranch:       parent.BranchName,
		ParentInstanceID: parentID,
	})
	if err != nil {
		s.revertParent(context.WithoutCancel(ctx), parentID, "review spawn failed")
		respondError(c, err)
		return
	}

	rel := &store.Relationship{
		ParentInstance:   parentID,
		ChildInstance:    reviewID,
		RelationshipType: store.RelationshipSpawnedReview,
		ReviewIteration:  iteration,
	}
	if err := s.store.CreateRelationship(ctx, rel); err != nil {
		// Without the edge the gates cannot see this review, so take the
		// spawned agent down again rather than leak an untracked child.
		cleanupCtx := context.WithoutCancel(ctx)
		if termErr := s.engine.Terminate(cleanupCtx, reviewID, "lineage_record_failed"); termErr != nil {
			s.logger.Error("failed to terminate untracked review",
				zap.String("review_instance_id", reviewID), zap.Error(termErr))
		}
		s.revertParent(cleanupCtx, parentID, "lineage record failed")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RequestReviewResponse{
		ReviewInstanceID: reviewID,
		ParentInstanceID: parentID,
		Iteration:        iteration,
		Execution:        exec,
	})
}

// nextReviewIteration counts the parent's recorded review spawns. The count
// comes from relationship rows, never from parsing ids.
func (s *Server) nextReviewIteration(c *gin.Context, parentID string) (int, error) {
	rels, err := s.store.GetRelationships(c.Request.Context(), parentID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rel := range rels {
		if rel.ParentInstance == parentID && rel.RelationshipType == store.RelationshipSpawnedReview {
			count++
		}
	}
	return count + 1, nil
}

// revertParent moves a parent back to started after a failed review spawn.
// Best effort: the parent may have been terminated in the meantime.
func (s *Server) revertParent(ctx context.Context, parentID, cause string) {
	if _, err := s.engine.UpdateStatus(ctx, parentID, store.StatusStarted); err != nil {
		s.logger.Error("failed to revert parent status",
			zap.String("instance_id", parentID),
			zap.String("cause", cause),
			zap.Error(err))
	}
}
