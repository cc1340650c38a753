// Package tmux manages terminal multiplexer sessions. Every agent gets a
// session rooted in its worktree so an operator can attach and watch or
// intervene.
package tmux

import "errors"

var (
	// ErrSessionExists is returned when creating a session whose name is taken.
	ErrSessionExists = errors.New("tmux session already exists")

	// ErrSessionNotFound is returned when the named session does not exist.
	ErrSessionNotFound = errors.New("tmux session not found")

	// ErrInvalidSessionName is returned for names outside the safe charset.
	ErrInvalidSessionName = errors.New("invalid tmux session name")

	// ErrInvalidWorkingDir is returned when the working directory is not an
	// existing absolute path.
	ErrInvalidWorkingDir = errors.New("invalid working directory")

	// ErrInvalidEnv is returned for malformed environment keys or unsafe values.
	ErrInvalidEnv = errors.New("invalid environment variable")

	// ErrUnsafeInput is returned when an argument carries shell metacharacters.
	ErrUnsafeInput = errors.New("unsafe input rejected")

	// ErrCommandFailed is returned when tmux itself fails.
	ErrCommandFailed = errors.New("tmux command failed")
)

// Code maps a tmux error to its stable string code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSessionExists):
		return "TMUX_SESSION_EXISTS"
	case errors.Is(err, ErrSessionNotFound):
		return "TMUX_SESSION_NOT_FOUND"
	case errors.Is(err, ErrInvalidSessionName),
		errors.Is(err, ErrInvalidWorkingDir),
		errors.Is(err, ErrInvalidEnv),
		errors.Is(err, ErrUnsafeInput):
		return "TMUX_VALIDATION_FAILED"
	case errors.Is(err, ErrCommandFailed):
		return "TMUX_COMMAND_FAILED"
	}
	return ""
}
