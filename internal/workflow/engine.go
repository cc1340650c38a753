// Package workflow implements the agent lifecycle engine: compound resource
// allocation for new agents, the instance status state machine, and the
// review request gate.
//
// An agent is four external resources sharing one instance id: a git
// worktree, a terminal multiplexer session, an AI child process, and a
// companion tool-server child. The engine acquires them in a fixed order,
// releases them in reverse, and keeps the instance row in the store as the
// single source of truth in between.
package workflow

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/events"
	"github.com/bullpen-dev/bullpen/internal/events/bus"
	"github.com/bullpen-dev/bullpen/internal/launcher"
	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/tmux"
	"github.com/bullpen-dev/bullpen/internal/tracing"
	"github.com/bullpen-dev/bullpen/internal/worktree"
)

const (
	defaultMaxReviews      = 3
	defaultJanitorInterval = 60 * time.Second
)

// Config tunes engine behavior.
type Config struct {
	// MaxReviews caps review iterations per parent when the caller does
	// not supply its own limit.
	MaxReviews int

	// JanitorInterval is how often the liveness probe walks non-terminal
	// instances.
	JanitorInterval time.Duration
}

// Deps carries the engine's injected collaborators.
type Deps struct {
	Store       *store.Store
	Worktrees   WorktreeManager
	Sessions    SessionMultiplexer
	AI          AILauncher
	ToolServers ToolServerSpawner
	Prompts     PromptBuilder
	Bus         bus.EventBus
	Clock       Clock
	Logger      *logger.Logger
}

// Engine orchestrates agent lifecycles against the store and the four
// resource capabilities.
type Engine struct {
	store         *store.Store
	worktrees     WorktreeManager
	sessions      SessionMultiplexer
	ai            AILauncher
	tools         ToolServerSpawner
	promptBuilder PromptBuilder
	bus           bus.EventBus
	clock         Clock
	config        Config
	logger        *logger.Logger

	// mu guards handles and locks. The per-id locks serialize operations
	// on one instance; entries are dropped on terminal transitions.
	mu      sync.Mutex
	handles map[string]ToolServerHandle
	locks   map[string]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Deps.Store and the four capabilities are
// required; Clock, Bus, and Logger may be nil.
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.MaxReviews <= 0 {
		cfg.MaxReviews = defaultMaxReviews
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Engine{
		store:         deps.Store,
		worktrees:     deps.Worktrees,
		sessions:      deps.Sessions,
		ai:            deps.AI,
		tools:         deps.ToolServers,
		promptBuilder: deps.Prompts,
		bus:           deps.Bus,
		clock:         clock,
		config:        cfg,
		logger:        log.WithFields(zap.String("component", "workflow-engine")),
		handles:       make(map[string]ToolServerHandle),
		locks:         make(map[string]*sync.Mutex),
		stopCh:        make(chan struct{}),
	}
}

// Terminate marks the instance terminated and releases its resources in
// reverse order of acquisition. Calling it on an already-terminal instance
// is a no-op. Teardown is best-effort: individual release failures are
// collected and the first one comes back wrapped in WORKFLOW_CLEANUP_FAILED,
// after every remaining release has been attempted.
func (e *Engine) Terminate(ctx context.Context, id, reason string) error {
	ctx, span := tracing.Tracer("bullpen-engine").Start(ctx, "engine.Terminate")
	defer span.End()

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return newError(CodeInstanceNotFound, "instance not found: %s", id)
	}
	if inst.Status.IsTerminal() {
		e.logger.Debug("terminate on terminal instance is a no-op",
			zap.String("instance_id", id),
			zap.String("status", string(inst.Status)))
		return nil
	}

	log := e.logger.WithInstanceID(id)
	log.Info("terminating instance", zap.String("reason", reason))

	var firstErr error
	record := func(stage string, err error) {
		if err == nil || ignorableRelease(err) {
			return
		}
		log.Warn("teardown step failed", zap.String("stage", stage), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	if inst.ClaudePID != nil {
		record("ai", e.ai.Terminate(ctx, *inst.ClaudePID))
	}
	if handle := e.takeHandle(id); handle != nil {
		record("tool-server", handle.Kill(syscall.SIGTERM))
	}
	if inst.TmuxSession != "" {
		record("session", e.sessions.Kill(ctx, inst.TmuxSession))
	}
	if inst.WorktreePath != "" {
		record("worktree", e.worktrees.Remove(ctx, inst.WorktreePath))
	}

	if _, err := e.store.UpdateInstanceStatus(ctx, id, store.StatusTerminated); err != nil {
		record("record", err)
	}

	e.dropLock(id)
	e.publish(ctx, events.AgentTerminated, id, map[string]interface{}{
		"instance_id": id,
		"reason":      reason,
	})

	if firstErr != nil {
		return wrapError(CodeCleanupFailed, firstErr, "terminating instance %s", id)
	}
	return nil
}

// UpdateStatus transitions an instance to a new status and returns the
// updated row. Transitions out of a terminal status are forbidden.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status store.InstanceStatus) (*store.Instance, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, newError(CodeInstanceNotFound, "instance not found: %s", id)
	}
	if inst.Status.IsTerminal() {
		return nil, newError(CodeInvalidState,
			"instance %s is %s; no transition to %s is possible", id, inst.Status, status)
	}

	updated, err := e.store.UpdateInstanceStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	if status.IsTerminal() {
		e.dropLock(id)
	}
	e.publish(ctx, events.AgentStatusChanged, id, map[string]interface{}{
		"instance_id": id,
		"status":      string(status),
		"previous":    string(inst.Status),
	})
	return updated, nil
}

// Stop halts the janitor and kills every tracked tool-server child. AI
// processes and sessions are left running; they belong to live agents and
// survive daemon restarts.
func (e *Engine) Stop(ctx context.Context) {
	close(e.stopCh)
	e.wg.Wait()
	e.killHandles(ctx)
}

// lockFor returns the per-instance lock, creating it on first use.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// dropLock forgets the per-instance lock after a terminal transition.
func (e *Engine) dropLock(id string) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

func (e *Engine) storeHandle(id string, handle ToolServerHandle) {
	e.mu.Lock()
	e.handles[id] = handle
	e.mu.Unlock()
}

func (e *Engine) takeHandle(id string) ToolServerHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := e.handles[id]
	delete(e.handles, id)
	return handle
}

func (e *Engine) publish(ctx context.Context, eventType, instanceID string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	subject := events.BuildAgentSubject(eventType, instanceID)
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, events.SourceEngine, data)); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// ignorableRelease reports whether a teardown error just means the resource
// was already gone. Users kill tmux sessions and delete worktrees by hand;
// that must not fail the terminate that would clean up the rest.
func ignorableRelease(err error) bool {
	return errors.Is(err, worktree.ErrNotFound) ||
		errors.Is(err, tmux.ErrSessionNotFound) ||
		errors.Is(err, launcher.ErrSessionNotFound)
}
