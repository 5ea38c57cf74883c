package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidRate  ErrorCode = "INVALID_RATE"

	// Authorization errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeStreamNotFound  ErrorCode = "STREAM_NOT_FOUND"

	// Conflict errors
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeLedgerConflict    ErrorCode = "LEDGER_CONFLICT"

	// Session and billing errors
	ErrCodeInsufficientFunds      ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeProviderUnavailable    ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeParticipantUnavailable ErrorCode = "PARTICIPANT_UNAVAILABLE"
	ErrCodeTransportLost          ErrorCode = "TRANSPORT_LOST"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
// It lets callers match wrapped errors against the sentinels below with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks. Never mutate or return these directly with details attached.
var (
	ErrInvalidTransition      = NewWithStatus(ErrCodeInvalidTransition, "Invalid session transition", http.StatusConflict)
	ErrInsufficientFunds      = NewWithStatus(ErrCodeInsufficientFunds, "Insufficient funds", http.StatusPaymentRequired)
	ErrParticipantUnavailable = NewWithStatus(ErrCodeParticipantUnavailable, "Participant unavailable", http.StatusConflict)
	ErrLedgerConflict         = NewWithStatus(ErrCodeLedgerConflict, "Concurrent balance update", http.StatusConflict)
	ErrTransportLost          = NewWithStatus(ErrCodeTransportLost, "Transport lost", http.StatusGone)
	ErrInvalidRate            = NewWithStatus(ErrCodeInvalidRate, "Rate must be positive and within the allowed maximum", http.StatusBadRequest)
	ErrProviderUnavailable    = NewWithStatus(ErrCodeProviderUnavailable, "Provider is not online", http.StatusConflict)
	ErrSessionNotFound        = NewWithStatus(ErrCodeSessionNotFound, "Session not found", http.StatusNotFound)
	ErrStreamNotFound         = NewWithStatus(ErrCodeStreamNotFound, "Stream not found", http.StatusNotFound)
)

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authorization errors
func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

// Conflict errors
func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

// InvalidTransitionError describes a rejected state change. It matches ErrInvalidTransition.
func InvalidTransitionError(from, event string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition,
		fmt.Sprintf("Event %s is not allowed in state %s", event, from), http.StatusConflict)
}

// InsufficientFundsError matches ErrInsufficientFunds and carries the amounts involved.
func InsufficientFundsError(available, required int64) *AppError {
	return NewWithStatus(ErrCodeInsufficientFunds, "Insufficient funds", http.StatusPaymentRequired).
		WithDetails(map[string]int64{"available": available, "required": required})
}

// Rate limiting errors
func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error chain, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
