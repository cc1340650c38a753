package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// CreateRequest describes a new worktree. Name doubles as the checkout
// directory name; the engine passes the instance id for both.
type CreateRequest struct {
	Name       string
	Branch     string
	BaseBranch string
	Options    []string // extra flags appended to git worktree add
}

// Worktree is a created checkout.
type Worktree struct {
	Path   string
	Branch string
}

// Manager handles git worktree operations for concurrent agent execution.
type Manager struct {
	config Config
	logger *logger.Logger

	// repoLock serializes git commands that mutate the shared repository.
	// Worktree checkouts themselves are single-owner and need no locking.
	repoLock sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory
// exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config: cfg,
		logger: log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// Create adds a worktree with a fresh branch forked from the base branch.
// Either a usable checkout exists at the returned path afterwards, or
// nothing was created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	if !m.isGitRepo(m.config.RepoPath) {
		return nil, fmt.Errorf("%w: %s is not a git repository", ErrCreationFailed, m.config.RepoPath)
	}
	if !m.refExists(ctx, req.BaseBranch) {
		return nil, fmt.Errorf("%w: base branch %q", ErrBranchNotFound, req.BaseBranch)
	}

	branch := m.config.BranchName(req.Branch)
	if m.refExists(ctx, branch) {
		return nil, fmt.Errorf("%w: branch %q", ErrExists, branch)
	}

	path, err := m.config.WorktreePath(req.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if count := m.activeCount(ctx); count >= m.config.MaxPerRepo {
		return nil, fmt.Errorf("%w: worktree limit reached (%d)", ErrCreationFailed, m.config.MaxPerRepo)
	}

	args := []string{"worktree", "add", "-b", branch, path, req.BaseBranch}
	args = append(args, req.Options...)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.config.RepoPath

	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("name", req.Name),
			zap.String("output", string(output)),
			zap.Error(err))
		m.cleanupPartial(path, branch)
		return nil, classifyCreateError(string(output))
	}

	m.logger.Info("created worktree",
		zap.String("name", req.Name),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base_branch", req.BaseBranch))

	return &Worktree{Path: path, Branch: branch}, nil
}

// Remove detaches and deletes a worktree checkout. Dirty checkouts are
// refused so an agent's uncommitted work is never silently discarded.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", path)
	cmd.Dir = m.config.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		removeErr := classifyRemoveError(string(output))
		m.logger.Warn("git worktree remove failed",
			zap.String("path", path),
			zap.String("output", string(output)),
			zap.Error(err))
		return removeErr
	}

	// Drop stale administrative entries left behind by the removal.
	prune := exec.CommandContext(ctx, "git", "worktree", "prune")
	prune.Dir = m.config.RepoPath
	if err := prune.Run(); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}

	m.logger.Info("removed worktree", zap.String("path", path))
	return nil
}

// IsValid reports whether path looks like a usable worktree checkout.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees carry a .git file pointing back at the repository,
	// not a .git directory.
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// HasUncommittedChanges reports whether a checkout has local modifications.
func (m *Manager) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrRemovalFailed, strings.TrimSpace(string(output)))
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// cleanupPartial undoes the debris of a failed worktree add: the directory,
// the administrative entry, and the branch if git got far enough to create
// it. Callers hold repoLock.
func (m *Manager) cleanupPartial(path, branch string) {
	if err := os.RemoveAll(path); err != nil {
		m.logger.Debug("failed to remove partial worktree dir", zap.Error(err))
	}

	prune := exec.Command("git", "worktree", "prune")
	prune.Dir = m.config.RepoPath
	if err := prune.Run(); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}

	del := exec.Command("git", "branch", "-D", branch)
	del.Dir = m.config.RepoPath
	if output, err := del.CombinedOutput(); err != nil {
		m.logger.Debug("failed to delete partial branch",
			zap.String("branch", branch),
			zap.String("output", string(output)))
	}
}

// activeCount counts checkouts currently registered with the repository.
// The main checkout is excluded.
func (m *Manager) activeCount(ctx context.Context) int {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			count++
		}
	}
	if count > 0 {
		count-- // the repository itself is listed first
	}
	return count
}

// isGitRepo checks if a path is a git repository.
func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git is a directory in a regular repo, a file inside a worktree.
	return info.IsDir() || info.Mode().IsRegular()
}

// refExists checks whether a branch or ref resolves in the repository.
func (m *Manager) refExists(ctx context.Context, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = m.config.RepoPath
	return cmd.Run() == nil
}

func validateCreateRequest(req CreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: empty worktree name", ErrCreationFailed)
	}
	if strings.ContainsAny(req.Name, "/\\") {
		return fmt.Errorf("%w: worktree name %q contains path separators", ErrCreationFailed, req.Name)
	}
	if req.Branch == "" {
		return fmt.Errorf("%w: empty branch name", ErrCreationFailed)
	}
	if req.BaseBranch == "" {
		return fmt.Errorf("%w: empty base branch", ErrBranchNotFound)
	}
	return nil
}

// classifyCreateError maps git worktree add output to an error kind.
func classifyCreateError(output string) error {
	msg := strings.TrimSpace(output)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrExists, msg)
	case strings.Contains(lower, "invalid reference"),
		strings.Contains(lower, "not a valid ref"),
		strings.Contains(lower, "unknown revision"):
		return fmt.Errorf("%w: %s", ErrBranchNotFound, msg)
	default:
		return fmt.Errorf("%w: %s", ErrCreationFailed, msg)
	}
}

// classifyRemoveError maps git worktree remove output to an error kind.
func classifyRemoveError(output string) error {
	msg := strings.TrimSpace(output)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "contains modified or untracked files"),
		strings.Contains(lower, "is dirty"):
		return fmt.Errorf("%w: %s", ErrUncommittedChanges, msg)
	case strings.Contains(lower, "is not a working tree"),
		strings.Contains(lower, "no such file"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return fmt.Errorf("%w: %s", ErrRemovalFailed, msg)
	}
}
