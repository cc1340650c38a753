// Package launcher starts and supervises AI agent child processes. Each
// agent runs the configured AI CLI attached to a pseudo-terminal inside its
// worktree, with the orchestration environment injected.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// Reserved environment keys the orchestrator owns. Caller passthroughs must
// not shadow these.
const (
	EnvInstanceID    = "INSTANCE_ID"
	EnvMCPServerType = "MCP_SERVER_TYPE"
	EnvMCPAgentID    = "MCP_AGENT_ID"
)

// Config holds launcher configuration.
type Config struct {
	// Binary is the AI CLI to launch (default: claude).
	Binary string
	// Args are passed to the binary on every launch.
	Args []string
	// TermGrace is how long SIGTERM gets before SIGKILL.
	TermGrace time.Duration
}

// LaunchRequest describes one AI session.
type LaunchRequest struct {
	WorkspacePath string
	Env           map[string]string
	ExtraArgs     []string
}

// Session identifies a launched AI process.
type Session struct {
	ID  string
	PID int
}

type child struct {
	id     string
	cmd    *exec.Cmd
	tty    *os.File
	exited chan struct{}
}

// Launcher spawns AI processes on PTYs and tracks them by pid.
type Launcher struct {
	config Config
	logger *logger.Logger

	mu       sync.Mutex
	children map[int]*child
}

// New creates a launcher.
func New(cfg Config, log *logger.Logger) *Launcher {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.TermGrace <= 0 {
		cfg.TermGrace = 5 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Launcher{
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "ai-launcher")),
		children: make(map[int]*child),
	}
}

// Launch starts the AI binary in the workspace on a fresh PTY. The process
// outlives the calling context; lifetime is managed through Terminate.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*Session, error) {
	if err := validateLaunchRequest(req); err != nil {
		return nil, err
	}

	args := append(append([]string{}, l.config.Args...), req.ExtraArgs...)

	// exec.Command rather than CommandContext: shutdown is driven by
	// Terminate, not by the launch context.
	cmd := exec.Command(l.config.Binary, args...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = buildEnv(os.Environ(), req.Env)
	// Kernel delivers SIGTERM to the child if the daemon dies. The PTY
	// start adds the session/controlling-terminal attributes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 220, Rows: 50})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	c := &child{
		id:     uuid.New().String(),
		cmd:    cmd,
		tty:    tty,
		exited: make(chan struct{}),
	}
	pid := cmd.Process.Pid

	l.mu.Lock()
	l.children[pid] = c
	l.mu.Unlock()

	go l.drain(c)
	go l.reap(c, pid)

	l.logger.Info("launched ai session",
		zap.String("session_id", c.id),
		zap.Int("pid", pid),
		zap.String("workspace", req.WorkspacePath))

	return &Session{ID: c.id, PID: pid}, nil
}

// Terminate stops a launched AI process: SIGTERM, a grace period, then
// SIGKILL. Terminating an unknown or already-exited pid is an error the
// caller may choose to ignore during teardown.
func (l *Launcher) Terminate(ctx context.Context, pid int) error {
	l.mu.Lock()
	c, ok := l.children[pid]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrSessionNotFound, pid)
	}

	select {
	case <-c.exited:
		return nil
	default:
	}

	l.logger.Info("terminating ai session", zap.Int("pid", pid))
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	grace := time.NewTimer(l.config.TermGrace)
	defer grace.Stop()
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return ctx.Err()
	case <-grace.C:
		l.logger.Warn("ai session ignored SIGTERM, sending SIGKILL", zap.Int("pid", pid))
		_ = syscall.Kill(pid, syscall.SIGKILL)
		select {
		case <-c.exited:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("%w: pid %d did not exit after SIGKILL", ErrTerminateFailed, pid)
		}
	}
}

// Alive reports whether a pid still refers to a running process. Used by
// the janitor's liveness probe; the result is never persisted.
func (l *Launcher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	l.mu.Lock()
	c, ok := l.children[pid]
	l.mu.Unlock()
	if ok {
		select {
		case <-c.exited:
			return false
		default:
			return true
		}
	}
	// Unknown to this launcher (daemon restart): probe with signal 0.
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// TerminateAll stops every tracked session. Used on daemon shutdown.
func (l *Launcher) TerminateAll(ctx context.Context) {
	l.mu.Lock()
	pids := make([]int, 0, len(l.children))
	for pid := range l.children {
		pids = append(pids, pid)
	}
	l.mu.Unlock()

	for _, pid := range pids {
		if err := l.Terminate(ctx, pid); err != nil {
			l.logger.Warn("failed to terminate ai session", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

// drain relays the session's terminal output to debug logs so crashes are
// diagnosable without attaching.
func (l *Launcher) drain(c *child) {
	scanner := bufio.NewScanner(c.tty)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.logger.Debug("ai output",
			zap.String("session_id", c.id),
			zap.String("line", scanner.Text()))
	}
}

func (l *Launcher) reap(c *child, pid int) {
	err := c.cmd.Wait()
	_ = c.tty.Close()
	close(c.exited)

	l.mu.Lock()
	delete(l.children, pid)
	l.mu.Unlock()

	if err != nil {
		l.logger.Info("ai session exited",
			zap.String("session_id", c.id),
			zap.Int("pid", pid),
			zap.Error(err))
		return
	}
	l.logger.Info("ai session exited",
		zap.String("session_id", c.id),
		zap.Int("pid", pid))
}

func validateLaunchRequest(req LaunchRequest) error {
	if req.WorkspacePath == "" {
		return fmt.Errorf("%w: empty workspace path", ErrLaunchFailed)
	}
	if !filepath.IsAbs(req.WorkspacePath) {
		return fmt.Errorf("%w: workspace path %q is not absolute", ErrLaunchFailed, req.WorkspacePath)
	}
	info, err := os.Stat(req.WorkspacePath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: workspace path %q is not a directory", ErrLaunchFailed, req.WorkspacePath)
	}
	return nil
}

// buildEnv merges the request environment over the parent environment.
// Request entries win; ordering is deterministic.
func buildEnv(parent []string, env map[string]string) []string {
	merged := make([]string, 0, len(parent)+len(env))
	for _, kv := range parent {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := env[key]; shadowed {
			continue
		}
		merged = append(merged, kv)
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+env[key])
	}
	return merged
}
