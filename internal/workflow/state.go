package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/events"
	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/tracing"
)

// Phases are the coarse view of an instance exposed to clients. They are
// derived from status on every read and never stored.
const (
	PhaseWorking         = "working"
	PhaseReviewRequested = "review_requested"
	PhasePRCreated       = "pr_created"
	PhaseTerminated      = "terminated"
)

// State is the derived view of one instance.
type State struct {
	Phase                   string    `json:"phase"`
	ReviewCount             int       `json:"review_count"`
	MaxReviews              int       `json:"max_reviews"`
	CurrentReviewInstanceID string    `json:"current_review_instance_id,omitempty"`
	LastActivity            time.Time `json:"last_activity"`
}

// GetState returns the derived state of an instance, or (nil, nil) when the
// id is unknown.
func (e *Engine) GetState(ctx context.Context, id string) (*State, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, nil
	}

	reviews, current, err := e.reviewChildren(ctx, id)
	if err != nil {
		return nil, err
	}

	return &State{
		Phase:                   phaseFor(inst.Status),
		ReviewCount:             reviews,
		MaxReviews:              e.config.MaxReviews,
		CurrentReviewInstanceID: current,
		LastActivity:            inst.LastActivity,
	}, nil
}

// RequestReview gates and records a review request for a parent instance.
// Four checks run in order before any state changes: the parent exists, the
// parent is started, the review budget has room, and no earlier review is
// still running. On success the parent moves to waiting_review and the
// reserved id for the next review agent comes back. Spawning that agent and
// recording the spawned_review relationship are the caller's moves; the
// returned id is a reservation, not an allocation.
func (e *Engine) RequestReview(ctx context.Context, parentID string, maxReviews int) (string, error) {
	ctx, span := tracing.Tracer("bullpen-engine").Start(ctx, "engine.RequestReview")
	defer span.End()

	if maxReviews <= 0 {
		maxReviews = e.config.MaxReviews
	}

	lock := e.lockFor(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := e.store.GetInstance(ctx, parentID)
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "", newError(CodeInstanceNotFound, "instance not found: %s", parentID)
	}
	if parent.Status != store.StatusStarted {
		return "", newError(CodeInvalidState,
			"review requires an active parent: instance %s is %s", parentID, parent.Status)
	}

	count, current, err := e.reviewChildren(ctx, parentID)
	if err != nil {
		return "", err
	}
	if count >= maxReviews {
		return "", newError(CodeMaxReviewsExceeded,
			"instance %s already spawned %d of %d reviews", parentID, count, maxReviews)
	}
	if current != "" {
		return "", newError(CodeReviewInProgress,
			"instance %s has an active review: %s", parentID, current)
	}

	reviewID, err := e.freeReviewID(ctx, parentID, count+1)
	if err != nil {
		return "", err
	}

	if _, err := e.store.UpdateInstanceStatus(ctx, parentID, store.StatusWaitingReview); err != nil {
		return "", err
	}

	e.logger.Info("review requested",
		zap.String("instance_id", parentID),
		zap.String("review_instance_id", reviewID),
		zap.Int("iteration", count+1))

	e.publish(ctx, events.AgentReviewRequested, parentID, map[string]interface{}{
		"instance_id":        parentID,
		"review_instance_id": reviewID,
		"iteration":          count + 1,
	})
	return reviewID, nil
}

// freeReviewID returns the first unclaimed review id at or after iteration n.
// A failed spawn leaves a terminated row behind under its reserved id without
// consuming review budget; the suffix skips past such tombstones so the next
// request can still allocate.
func (e *Engine) freeReviewID(ctx context.Context, parentID string, n int) (string, error) {
	for ; ; n++ {
		id := ReviewInstanceID(parentID, n)
		inst, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return "", err
		}
		if inst == nil {
			return id, nil
		}
	}
}

// reviewChildren counts the parent's outgoing spawned_review edges and
// returns the newest child that is still non-terminal, if any. Edges whose
// child row is missing count toward the total but can never be active.
func (e *Engine) reviewChildren(ctx context.Context, parentID string) (int, string, error) {
	rels, err := e.store.GetRelationships(ctx, parentID)
	if err != nil {
		return 0, "", err
	}

	count := 0
	current := ""
	for _, rel := range rels {
		if rel.ParentInstance != parentID || rel.RelationshipType != store.RelationshipSpawnedReview {
			continue
		}
		count++
		if current != "" {
			continue
		}
		child, err := e.store.GetInstance(ctx, rel.ChildInstance)
		if err != nil {
			return 0, "", err
		}
		if child != nil && !child.Status.IsTerminal() {
			current = child.ID
		}
	}
	return count, current, nil
}

func phaseFor(status store.InstanceStatus) string {
	switch status {
	case store.StatusStarted:
		return PhaseWorking
	case store.StatusWaitingReview:
		return PhaseReviewRequested
	case store.StatusPRCreated:
		return PhasePRCreated
	case store.StatusTerminated:
		return PhaseTerminated
	default:
		return PhaseWorking
	}
}
