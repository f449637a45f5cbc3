package repository

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the single error shape returned by repository operations. It
// carries a user-facing message and an HTTP-style status code; the
// underlying cause only reaches the diagnostic log.
type Error struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
}

func (e *Error) Error() string {
	if e.OperationID != "" {
		return fmt.Sprintf("%d %s (operation %s)", e.Code, e.Message, e.OperationID)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// NotFound reports that the comparison criteria matched no row
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// ValidationFailure reports that the inbound payload could not be
// constructed into an entity. It shares the not-found code: the resource
// could not be resolved.
func ValidationFailure(format string, args ...interface{}) *Error {
	return &Error{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a permission failure raised by a collaborator such as a
// hook. It is passed through unchanged.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Code: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// StoreFailure reports an unexpected failure of the store or of any step
// between begin and commit
func StoreFailure(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the status code carried by err, 500 for any other error
// and 0 for nil
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether err carries the not-found code
func IsNotFound(err error) bool {
	return CodeOf(err) == http.StatusNotFound
}
