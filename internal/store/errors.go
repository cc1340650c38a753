package store

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced by store operations. Automation should branch
// on the code; messages are free text for humans.
const (
	CodeInsertFailed    = "DATABASE_INSERT_FAILED"
	CodeUpdateFailed    = "DATABASE_UPDATE_FAILED"
	CodeDeleteFailed    = "DATABASE_DELETE_FAILED"
	CodeOperationFailed = "DATABASE_OPERATION_FAILED"
)

// Error is a store failure carrying a stable code and the failing operation.
type Error struct {
	Code string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Op)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func insertError(op string, err error) *Error {
	return newError(CodeInsertFailed, op, err)
}

func updateError(op string, err error) *Error {
	return newError(CodeUpdateFailed, op, err)
}

func deleteError(op string, err error) *Error {
	return newError(CodeDeleteFailed, op, err)
}

func operationError(op string, err error) *Error {
	return newError(CodeOperationFailed, op, err)
}

// ErrorCode extracts the store error code from err, or "" when err is not a
// store error.
func ErrorCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given store error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
