package launcher

import "errors"

// Launcher failures, classified so callers can map them onto API error
// codes without parsing messages.
var (
	// ErrLaunchFailed wraps all launch failures, including request
	// validation.
	ErrLaunchFailed = errors.New("ai session launch failed")

	// ErrSessionNotFound is returned when terminating a pid this
	// launcher is not tracking.
	ErrSessionNotFound = errors.New("ai session not found")

	// ErrTerminateFailed is returned when a session survives SIGKILL.
	ErrTerminateFailed = errors.New("ai session termination failed")
)

// Code maps a launcher error to its stable code. Unknown errors map to the
// empty string.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrLaunchFailed):
		return "CLAUDE_LAUNCH_FAILED"
	case errors.Is(err, ErrSessionNotFound):
		return "CLAUDE_SESSION_NOT_FOUND"
	case errors.Is(err, ErrTerminateFailed):
		return "CLAUDE_TERMINATE_FAILED"
	default:
		return ""
	}
}
