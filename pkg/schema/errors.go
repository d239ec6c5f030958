package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeHITLRejected      = "HITL_REJECTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeLocked            = "LOCKED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNoPattern         = "NO_PATTERN"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// AutoflowError is the structured error type for all engine operations.
type AutoflowError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	TaskIndex *int           `json:"task_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *AutoflowError) Error() string {
	if e.TaskIndex != nil {
		return fmt.Sprintf("[%s] task %d: %s", e.Code, *e.TaskIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutoflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AutoflowError.
func NewError(code, message string) *AutoflowError {
	return &AutoflowError{Code: code, Message: message}
}

// NewErrorf creates a new AutoflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutoflowError {
	return &AutoflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task index to the error.
func (e *AutoflowError) WithTask(index int) *AutoflowError {
	e.TaskIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *AutoflowError) WithCause(err error) *AutoflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutoflowError) WithDetails(details map[string]any) *AutoflowError {
	e.Details = details
	return e
}

// IsRetryable reports whether a later attempt may succeed.
// Configuration, validation and human-decision errors never are.
func (e *AutoflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore, ErrCodeLocked, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// ErrorCode extracts the code of the first AutoflowError in err's chain.
// Returns "" when there is none.
func ErrorCode(err error) string {
	var ae *AutoflowError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
