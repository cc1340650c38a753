// Package worktree provides git worktree management for agent isolation.
// Each agent works on its own branch inside its own checkout so concurrent
// agents never touch each other's files.
package worktree

import "errors"

var (
	// ErrExists is returned when the target directory or branch already exists.
	ErrExists = errors.New("worktree already exists")

	// ErrNotFound is returned when the requested worktree does not exist.
	ErrNotFound = errors.New("worktree not found")

	// ErrUncommittedChanges is returned when removal would discard local work.
	ErrUncommittedChanges = errors.New("worktree has uncommitted changes")

	// ErrBranchNotFound is returned when the base branch does not exist.
	ErrBranchNotFound = errors.New("branch does not exist")

	// ErrCreationFailed is returned when git fails to create the worktree.
	ErrCreationFailed = errors.New("worktree creation failed")

	// ErrRemovalFailed is returned when git fails to remove the worktree.
	ErrRemovalFailed = errors.New("worktree removal failed")
)

// Code maps a worktree error to its stable string code. Unknown errors map
// to the empty string.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrExists):
		return "WORKTREE_EXISTS"
	case errors.Is(err, ErrNotFound):
		return "WORKTREE_NOT_FOUND"
	case errors.Is(err, ErrUncommittedChanges):
		return "WORKTREE_UNCOMMITTED_CHANGES"
	case errors.Is(err, ErrBranchNotFound):
		return "WORKTREE_BRANCH_NOT_FOUND"
	case errors.Is(err, ErrCreationFailed):
		return "WORKTREE_CREATION_FAILED"
	case errors.Is(err, ErrRemovalFailed):
		return "WORKTREE_REMOVAL_FAILED"
	}
	return ""
}
