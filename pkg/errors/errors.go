package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Input errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"

	// Engine errors
	ErrorTypeRemoteUnavailable    ErrorType = "REMOTE_UNAVAILABLE"
	ErrorTypeVerificationMismatch ErrorType = "VERIFICATION_MISMATCH"
	ErrorTypeCorruptedGraph       ErrorType = "CORRUPTED_GRAPH"
	ErrorTypeCreateFailed         ErrorType = "CREATE_FAILED"
	ErrorTypeAnswerFailed         ErrorType = "ANSWER_FAILED"

	// Infrastructure errors
	ErrorTypeInternal ErrorType = "INTERNAL"
	ErrorTypeCache    ErrorType = "CACHE"
)

// AppError represents an application-specific error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetail sets a single detail entry.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	stack := ""
	for {
		frame, more := frames.Next()
		stack += fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return stack
}

func newError(t ErrorType, status int, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		Cause:      cause,
		HTTPStatus: status,
		StackTrace: captureStackTrace(),
	}
}

// NewValidationError reports malformed input. Never retried.
func NewValidationError(message string) *AppError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, message, nil)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// NewRemoteUnavailableError reports a failed or timed out remote call.
func NewRemoteUnavailableError(operation string, err error) *AppError {
	return newError(ErrorTypeRemoteUnavailable, http.StatusBadGateway,
		fmt.Sprintf("remote operation '%s' unavailable", operation), err)
}

// NewVerificationMismatchError reports a write that was accepted but never read back.
func NewVerificationMismatchError(operation string, attempts int) *AppError {
	return newError(ErrorTypeVerificationMismatch, http.StatusOK,
		fmt.Sprintf("write '%s' not confirmed after %d attempts", operation, attempts), nil).
		WithDetail("attempts", attempts)
}

// NewCorruptedGraphError reports a cycle or dangling reference found while walking the tree.
func NewCorruptedGraphError(message string) *AppError {
	return newError(ErrorTypeCorruptedGraph, http.StatusInternalServerError, message, nil)
}

// NewCreateFailedError reports that remote node creation failed and a local node was used.
func NewCreateFailedError(err error) *AppError {
	return newError(ErrorTypeCreateFailed, http.StatusOK, "node creation fell back to local storage", err)
}

// NewAnswerFailedError reports that no answer could be fetched for a node.
func NewAnswerFailedError(nodeID string, err error) *AppError {
	return newError(ErrorTypeAnswerFailed, http.StatusOK, "answer unavailable, fallback attached", err).
		WithDetail("node_id", nodeID)
}

// NewCacheError wraps a local cache failure.
func NewCacheError(operation string, err error) *AppError {
	return newError(ErrorTypeCache, http.StatusInternalServerError,
		fmt.Sprintf("cache operation '%s' failed", operation), err)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, message, nil)
}

// GetAppError extracts AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

func IsValidation(err error) bool     { return IsType(err, ErrorTypeValidation) }
func IsNotFound(err error) bool       { return IsType(err, ErrorTypeNotFound) }
func IsCorruptedGraph(err error) bool { return IsType(err, ErrorTypeCorruptedGraph) }

// Recoverable reports whether err may be surfaced as a warning instead of
// aborting the operation that produced it.
func Recoverable(err error) bool {
	appErr := GetAppError(err)
	if appErr == nil {
		return false
	}
	switch appErr.Type {
	case ErrorTypeRemoteUnavailable, ErrorTypeVerificationMismatch,
		ErrorTypeCreateFailed, ErrorTypeAnswerFailed, ErrorTypeCache:
		return true
	}
	return false
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}
