package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeTemplateUnapproved = "TEMPLATE_UNAPPROVED"
	ErrCodeDispatch           = "DISPATCH_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNoAddress          = "NO_ADDRESS"
	ErrCodeNoDestination      = "NO_DESTINATION"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
)

// CadenceError is the structured error type for all engine operations.
type CadenceError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CadenceError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CadenceError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CadenceError.
func NewError(code, message string) *CadenceError {
	return &CadenceError{Code: code, Message: message}
}

// NewErrorf creates a new CadenceError with a formatted message.
func NewErrorf(code, format string, args ...any) *CadenceError {
	return &CadenceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *CadenceError) WithRun(runID string) *CadenceError {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *CadenceError) WithCause(err error) *CadenceError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CadenceError) WithDetails(details map[string]any) *CadenceError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first CadenceError in err's chain, or "".
func CodeOf(err error) string {
	var ce *CadenceError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidation reports whether err rejects a definition or enrollment
// before any run is created. Such errors are never retried.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeTemplateUnapproved:
		return true
	}
	return false
}

// IsDispatch reports whether err is a step-local dispatch failure. Template
// and expression errors raised while a run is executing count as dispatch
// failures.
func IsDispatch(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDispatch, ErrCodeTimeout, ErrCodeNoAddress, ErrCodeNoDestination, ErrCodeCircuitOpen,
		ErrCodeTemplateUnapproved, ErrCodeInterpolation, ErrCodeExpression:
		return true
	}
	return false
}
