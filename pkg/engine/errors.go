package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for callers that map
// failures onto responses.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or incomplete request that
	// was rejected before any side effect.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassAccessDenied indicates the caller is not authorized for the tenant.
	ErrorClassAccessDenied ErrorClass = "access_denied"

	// ErrorClassCredential indicates the cloud role assumption was rejected.
	ErrorClassCredential ErrorClass = "credential"

	// ErrorClassInvalidState indicates the target record is not in a state
	// that permits the operation.
	ErrorClassInvalidState ErrorClass = "invalid_state"

	// ErrorClassNotFound indicates the referenced record does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates a concurrent writer changed the record first.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInternal indicates an unexpected failure.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the deployment or tenant ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewAccessDeniedError creates a new authorization error.
func NewAccessDeniedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassAccessDenied, Code: ErrCodeAccessDenied, Message: message, Err: err}
}

// NewCredentialError creates a new credential exchange error.
func NewCredentialError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCredential, Code: ErrCodeCredential, Message: message, Err: err}
}

// NewInvalidStateError creates a new invalid state error.
func NewInvalidStateError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInvalidState, Code: ErrCodeInvalidState, Message: message, Err: err}
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassNotFound, Code: ErrCodeNotFound, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: message, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInternal, Code: ErrCodeInternal, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or ErrorClassInternal for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsAccessDenied returns true if the error is an authorization error.
func IsAccessDenied(err error) bool { return hasClass(err, ErrorClassAccessDenied) }

// IsCredential returns true if the error is a credential exchange error.
func IsCredential(err error) bool { return hasClass(err, ErrorClassCredential) }

// IsInvalidState returns true if the error is an invalid state error.
func IsInvalidState(err error) bool { return hasClass(err, ErrorClassInvalidState) }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

// IsConflict returns true if the error is a conflict error.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeCredential   = "CREDENTIAL_ERROR"
	ErrCodeInvalidState = "INVALID_STATE"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
