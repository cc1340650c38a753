package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// RepoPath is the git repository agents work on. Defaults to the
	// current working directory.
	RepoPath string `mapstructure:"repoPath"`

	// BasePath is the base directory for worktree checkouts.
	// Supports ~ expansion. Default: ~/.bullpen/worktrees
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is prepended to agent branch names. Empty by default;
	// the engine's derived ids are already namespaced.
	BranchPrefix string `mapstructure:"branchPrefix"`

	// MaxPerRepo caps simultaneous worktrees to keep runaway fleets in check.
	MaxPerRepo int `mapstructure:"maxPerRepo"`
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		c.RepoPath = wd
	}
	if c.BasePath == "" {
		c.BasePath = "~/.bullpen/worktrees"
	}
	if c.MaxPerRepo <= 0 {
		c.MaxPerRepo = 16
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home
// directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the checkout directory for a named worktree.
func (c *Config) WorktreePath(name string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, name), nil
}

// BranchName applies the configured prefix to a branch.
func (c *Config) BranchName(branch string) string {
	if c.BranchPrefix == "" || strings.HasPrefix(branch, c.BranchPrefix) {
		return branch
	}
	return c.BranchPrefix + branch
}
