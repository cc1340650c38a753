package workflow

import (
	"errors"
	"fmt"
)

// Engine error codes. These are stable API: the HTTP layer and the MCP
// tool server map them to response statuses, and clients branch on them.
const (
	CodeInstanceNotFound   = "WORKFLOW_INSTANCE_NOT_FOUND"
	CodeInvalidState       = "WORKFLOW_INVALID_STATE"
	CodeMaxReviewsExceeded = "WORKFLOW_MAX_REVIEWS_EXCEEDED"
	CodeReviewInProgress   = "WORKFLOW_REVIEW_IN_PROGRESS"
	CodeCleanupFailed      = "WORKFLOW_CLEANUP_FAILED"
	CodeAllocationFailed   = "WORKFLOW_ALLOCATION_FAILED"
)

// Error is a code-bearing engine error. Resource-layer failures keep their
// own codes and travel inside Err, so unwrapping preserves the full chain.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the engine error code from err, or "" when err carries
// none.
func CodeOf(err error) string {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
