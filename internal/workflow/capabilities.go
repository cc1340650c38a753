package workflow

import (
	"context"
	"syscall"

	"github.com/bullpen-dev/bullpen/internal/launcher"
	"github.com/bullpen-dev/bullpen/internal/prompts"
	"github.com/bullpen-dev/bullpen/internal/tmux"
	"github.com/bullpen-dev/bullpen/internal/toolserver"
	"github.com/bullpen-dev/bullpen/internal/worktree"
)

// Capability interfaces consumed by the engine. Concrete implementations
// live in internal/worktree, internal/tmux, internal/launcher, and
// internal/toolserver; the engine never reaches the OS directly, which is
// what makes allocation failures injectable in tests.

// WorktreeManager creates and removes git worktree checkouts.
type WorktreeManager interface {
	Create(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error)
	Remove(ctx context.Context, path string) error
}

// SessionMultiplexer manages terminal multiplexer sessions.
type SessionMultiplexer interface {
	Create(ctx context.Context, req tmux.CreateRequest) (*tmux.Session, error)
	Kill(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name, text string) error
}

// AILauncher starts and stops AI agent child processes.
type AILauncher interface {
	Launch(ctx context.Context, req launcher.LaunchRequest) (*launcher.Session, error)
	Terminate(ctx context.Context, pid int) error
	Alive(pid int) bool
}

// ToolServerHandle is an owning reference to a spawned tool-server child.
type ToolServerHandle interface {
	Kill(sig syscall.Signal) error
	Killed() <-chan struct{}
}

// ToolServerSpawner starts the per-agent MCP tool-server child.
type ToolServerSpawner interface {
	Spawn(ctx context.Context, params toolserver.SpawnParams) (ToolServerHandle, error)
}

// PromptBuilder renders the launch prompt for an agent.
type PromptBuilder interface {
	Build(req prompts.BuildRequest) (*prompts.Prompt, error)
}
