package workflow

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/events"
	"github.com/bullpen-dev/bullpen/internal/launcher"
	"github.com/bullpen-dev/bullpen/internal/prompts"
	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/tmux"
	"github.com/bullpen-dev/bullpen/internal/toolserver"
	"github.com/bullpen-dev/bullpen/internal/tracing"
	"github.com/bullpen-dev/bullpen/internal/worktree"
)

// ExecuteRequest configures a new agent.
type ExecuteRequest struct {
	// ID uses a pre-derived instance id instead of minting a fresh one.
	// Review spawns pass the id reserved by RequestReview here.
	ID string `json:"id,omitempty"`

	Type             store.InstanceType `json:"type,omitempty"`
	IssueNumber      *int               `json:"issue,omitempty"`
	TargetBranch     string             `json:"target_branch,omitempty"`
	BaseBranch       string             `json:"base_branch"`
	ParentInstanceID string             `json:"parent_instance_id,omitempty"`
	MaxReviews       int                `json:"max_reviews,omitempty"`

	// WorktreeOptions are extra flags for git worktree add.
	WorktreeOptions []string `json:"worktree_options,omitempty"`
	// SessionEnv is injected into the multiplexer session.
	SessionEnv map[string]string `json:"multiplexer_options,omitempty"`
	// AIArgs are extra command-line arguments for the AI process.
	AIArgs []string `json:"ai_options,omitempty"`
	// Env is passed through to the AI process environment. Entries that
	// would shadow the engine's own wiring variables are dropped.
	Env map[string]string `json:"env,omitempty"`
}

// Resources lists the external handles owned by a running agent.
type Resources struct {
	WorktreePath string `json:"worktree_path"`
	SessionName  string `json:"session_name"`
	Branch       string `json:"branch"`
	AISessionID  string `json:"ai_session_id"`
}

// Execution describes a successfully launched agent.
type Execution struct {
	ID           string               `json:"id"`
	Type         store.InstanceType   `json:"type"`
	Status       store.InstanceStatus `json:"status"`
	InitialState *State               `json:"initial_state"`
	Resources    Resources            `json:"resources"`
	Config       ExecuteRequest       `json:"config"`
	StartedAt    time.Time            `json:"started_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Execute creates and launches a new agent: instance row, worktree,
// multiplexer session, tool-server child, AI process, injected prompt.
// On failure at any step the already-acquired resources are released in
// reverse order and the error surfaces as WORKFLOW_ALLOCATION_FAILED
// wrapping the original cause.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	ctx, span := tracing.Tracer("bullpen-engine").Start(ctx, "engine.Execute")
	defer span.End()

	if req.BaseBranch == "" {
		return nil, newError(CodeAllocationFailed, "base branch is required")
	}
	if req.Type == "" {
		req.Type = store.InstanceTypeCoding
	}
	if req.MaxReviews <= 0 {
		req.MaxReviews = e.config.MaxReviews
	}

	id := req.ID
	if id == "" {
		id = NewInstanceID(req.IssueNumber, e.clock.Now())
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	log := e.logger.WithInstanceID(id)
	log.Info("launching agent",
		zap.String("type", string(req.Type)),
		zap.String("base_branch", req.BaseBranch))

	alloc := &allocation{engine: e, id: id}

	// 1. Reserve the instance row with empty resource handles.
	if err := e.store.CreateInstance(ctx, &store.Instance{
		ID:               id,
		Type:             req.Type,
		Status:           store.StatusStarted,
		IssueNumber:      req.IssueNumber,
		ParentInstanceID: req.ParentInstanceID,
		BaseBranch:       req.BaseBranch,
		AgentNumber:      e.nextAgentNumber(ctx),
	}); err != nil {
		return nil, e.abort(ctx, alloc, err, "reserve instance row")
	}
	alloc.row = true

	// 2. Create the worktree. The branch defaults to the instance id, so
	// concurrent agents never collide.
	branch := req.TargetBranch
	if branch == "" {
		branch = id
	}
	wt, err := e.worktrees.Create(ctx, worktree.CreateRequest{
		Name:       id,
		Branch:     branch,
		BaseBranch: req.BaseBranch,
		Options:    req.WorktreeOptions,
	})
	if err != nil {
		return nil, e.abort(ctx, alloc, err, "create worktree")
	}
	alloc.worktreePath = wt.Path

	// 3. Create the multiplexer session rooted in the worktree.
	sess, err := e.sessions.Create(ctx, tmux.CreateRequest{
		Name:       id,
		WorkingDir: wt.Path,
		Env:        req.SessionEnv,
	})
	if err != nil {
		return nil, e.abort(ctx, alloc, err, "create session")
	}
	alloc.session = sess.Name

	// 4. Spawn the tool-server child and park its handle.
	handle, err := e.tools.Spawn(ctx, toolserver.SpawnParams{
		AgentID:   id,
		Workspace: wt.Path,
		Branch:    wt.Branch,
		Session:   sess.Name,
		Issue:     req.IssueNumber,
	})
	if err != nil {
		return nil, e.abort(ctx, alloc, err, "spawn tool server")
	}
	e.storeHandle(id, handle)
	alloc.spawned = true

	// 5. Launch the AI process inside the worktree.
	aiSess, err := e.ai.Launch(ctx, launcher.LaunchRequest{
		WorkspacePath: wt.Path,
		Env:           e.launchEnv(id, req.Env),
		ExtraArgs:     req.AIArgs,
	})
	if err != nil {
		return nil, e.abort(ctx, alloc, err, "launch ai process")
	}
	alloc.aiPID = aiSess.PID

	// 6. Build the prompt and inject it into the session.
	prompt, err := e.buildPrompt(ctx, req, id, wt.Branch)
	if err != nil {
		return nil, e.abort(ctx, alloc, err, "build prompt")
	}
	if err := e.sessions.SendKeys(ctx, sess.Name, prompt.User+"\n"); err != nil {
		return nil, e.abort(ctx, alloc, err, "inject prompt")
	}

	// 7. Finalize the row. Ownership transfers to the live agent here;
	// failures past this point never tear anything down.
	pid := aiSess.PID
	inst, err := e.store.UpdateInstance(ctx, id, store.InstancePatch{
		WorktreePath:  &wt.Path,
		BranchName:    &wt.Branch,
		TmuxSession:   &sess.Name,
		ClaudePID:     &pid,
		SystemPrompt:  &prompt.System,
		PromptUsed:    &prompt.User,
		PromptContext: &prompt.Context,
	})
	if err != nil {
		return nil, e.abort(ctx, alloc, err, "finalize instance row")
	}

	log.Info("agent launched",
		zap.String("worktree", wt.Path),
		zap.String("session", sess.Name),
		zap.Int("pid", aiSess.PID))

	e.publish(ctx, events.AgentCreated, id, map[string]interface{}{
		"instance_id": id,
		"type":        string(req.Type),
		"branch":      wt.Branch,
		"session":     sess.Name,
	})

	return &Execution{
		ID:     id,
		Type:   inst.Type,
		Status: inst.Status,
		InitialState: &State{
			Phase:        PhaseWorking,
			ReviewCount:  0,
			MaxReviews:   req.MaxReviews,
			LastActivity: inst.LastActivity,
		},
		Resources: Resources{
			WorktreePath: wt.Path,
			SessionName:  sess.Name,
			Branch:       wt.Branch,
			AISessionID:  aiSess.ID,
		},
		Config:    req,
		StartedAt: inst.CreatedAt,
		UpdatedAt: inst.LastActivity,
	}, nil
}

// abort releases whatever alloc acquired and wraps the original cause.
// Teardown runs detached from the caller's context so a canceled execute
// still cleans up after itself.
func (e *Engine) abort(ctx context.Context, alloc *allocation, cause error, stage string) error {
	log := e.logger.WithInstanceID(alloc.id)
	log.Error("allocation failed", zap.String("stage", stage), zap.Error(cause))
	alloc.release(context.WithoutCancel(ctx), log)
	return wrapError(CodeAllocationFailed, cause, "allocating instance %s failed at %s", alloc.id, stage)
}

// launchEnv assembles the AI child environment: the three wiring variables
// plus caller passthroughs, which may not shadow the wiring.
func (e *Engine) launchEnv(id string, extra map[string]string) map[string]string {
	env := map[string]string{
		launcher.EnvInstanceID:    id,
		launcher.EnvMCPServerType: toolserver.ServerTypeFor(id),
		launcher.EnvMCPAgentID:    id,
	}
	for k, v := range extra {
		if _, reserved := env[k]; reserved {
			continue
		}
		env[k] = v
	}
	return env
}

func (e *Engine) buildPrompt(ctx context.Context, req ExecuteRequest, id, branch string) (*prompts.Prompt, error) {
	build := prompts.BuildRequest{
		AgentType:      string(req.Type),
		IssueNumber:    req.IssueNumber,
		Branch:         branch,
		BaseBranch:     req.BaseBranch,
		ParentInstance: req.ParentInstanceID,
	}
	if req.IssueNumber != nil {
		issue, err := e.store.GetGitHubIssue(ctx, *req.IssueNumber)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			build.IssueTitle = issue.Title
		}
	}
	return e.promptBuilder.Build(build)
}

// nextAgentNumber assigns a human-facing ordinal. Best effort: a count
// failure yields 0 rather than failing the launch.
func (e *Engine) nextAgentNumber(ctx context.Context) int {
	count, err := e.store.CountInstances(ctx, store.InstanceFilter{})
	if err != nil {
		return 0
	}
	return count + 1
}

// allocation tracks which acquisition steps completed so a failure can
// release exactly what exists, newest first.
type allocation struct {
	engine       *Engine
	id           string
	row          bool
	worktreePath string
	session      string
	spawned      bool
	aiPID        int
}

// release is best-effort: each failure is logged and the remaining releases
// still run. The instance row is marked terminated last so observers never
// see a terminal row with live resources unaccounted for.
func (a *allocation) release(ctx context.Context, log *logger.Logger) {
	if a.aiPID > 0 {
		if err := a.engine.ai.Terminate(ctx, a.aiPID); err != nil && !ignorableRelease(err) {
			log.Warn("failed to terminate ai process", zap.Int("pid", a.aiPID), zap.Error(err))
		}
	}
	if a.spawned {
		if handle := a.engine.takeHandle(a.id); handle != nil {
			if err := handle.Kill(syscall.SIGKILL); err != nil {
				log.Warn("failed to kill tool server", zap.Error(err))
			}
		}
	}
	if a.session != "" {
		if err := a.engine.sessions.Kill(ctx, a.session); err != nil && !ignorableRelease(err) {
			log.Warn("failed to kill session", zap.String("session", a.session), zap.Error(err))
		}
	}
	if a.worktreePath != "" {
		if err := a.engine.worktrees.Remove(ctx, a.worktreePath); err != nil && !ignorableRelease(err) {
			log.Warn("failed to remove worktree", zap.String("path", a.worktreePath), zap.Error(err))
		}
	}
	if a.row {
		if _, err := a.engine.store.UpdateInstanceStatus(ctx, a.id, store.StatusTerminated); err != nil {
			log.Warn("failed to mark instance terminated", zap.Error(err))
		}
		a.engine.dropLock(a.id)
	}
}
