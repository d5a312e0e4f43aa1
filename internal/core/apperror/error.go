// Package apperror provides structured error handling for the ledger engine.
// All business errors must use AppError so callers can branch on Code.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Infrastructure errors
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Validation errors
	CodeValidation = "VALIDATION_ERROR"

	// Business rule violations
	CodeBusinessRule         = "BUSINESS_RULE_VIOLATION"
	CodeInsufficientQuantity = "INSUFFICIENT_QUANTITY"
	CodeInsufficientOnHand   = "INSUFFICIENT_ON_HAND"
	CodeExceedsRemaining     = "EXCEEDS_REMAINING"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodePartialApplication   = "PARTIAL_APPLICATION"

	// Concurrency
	CodeOccConflict            = "OCC_CONFLICT"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"

	// Not found
	CodeNotFound = "NOT_FOUND"

	// Conflict
	CodeConflict    = "CONFLICT"
	CodeIdempotency = "IDEMPOTENCY_CONFLICT"
)

// AppError is the standard error type for the engine.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (item ids, quantities, line ids)
	Details map[string]any `json:"details,omitempty"`

	// Retryable marks transient failures the caller may retry unchanged
	Retryable bool `json:"retryable"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error. Not retryable; the request must change.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewBusinessRule creates a business rule violation error
func NewBusinessRule(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewInsufficientQuantity is returned when a counter delta would break
// 0 <= reserved <= onHand.
func NewInsufficientQuantity(itemID string, onHand, reserved, dOnHand, dReserved string) *AppError {
	return &AppError{
		Code:    CodeInsufficientQuantity,
		Message: "Insufficient quantity",
		Details: map[string]any{
			"item_id":        itemID,
			"on_hand":        onHand,
			"reserved":       reserved,
			"delta_on_hand":  dOnHand,
			"delta_reserved": dReserved,
		},
	}
}

// NewInsufficientOnHand is returned when a reservation exceeds physical stock.
func NewInsufficientOnHand(itemID string, requested, onHand string) *AppError {
	return &AppError{
		Code:    CodeInsufficientOnHand,
		Message: "Insufficient on-hand quantity",
		Details: map[string]any{
			"item_id":   itemID,
			"requested": requested,
			"on_hand":   onHand,
		},
	}
}

// NewExceedsRemaining is returned by strict reservations that ask for more than
// remains to ship on a line.
func NewExceedsRemaining(lineID string, requested, maxReservable string) *AppError {
	return &AppError{
		Code:    CodeExceedsRemaining,
		Message: "Requested quantity exceeds remaining quantity to ship",
		Details: map[string]any{
			"line_id":        lineID,
			"requested":      requested,
			"max_reservable": maxReservable,
		},
	}
}

// NewInvalidTransition is returned when the order status forbids an operation.
func NewInvalidTransition(entity string, from, operation string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s %s in status %s", operation, entity, from),
		Details: map[string]any{"entity": entity, "status": from, "operation": operation},
	}
}

// NewOccConflict signals a lost optimistic-concurrency race on a counter.
func NewOccConflict(entity string, id any) *AppError {
	return &AppError{
		Code:      CodeOccConflict,
		Message:   "Counter changed concurrently; re-read and retry",
		Retryable: true,
		Details:   map[string]any{"entity": entity, "id": id},
	}
}

// NewConcurrentModification creates an optimistic locking error for versioned aggregates.
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:      CodeConcurrentModification,
		Message:   "Record was modified concurrently. Reload and try again.",
		Retryable: true,
		Details:   map[string]any{"entity": entity, "id": id},
	}
}

// NewPartialApplication wraps a line failure in a multi-line call where earlier
// lines were already applied.
func NewPartialApplication(operation string, applied, failed int, cause error) *AppError {
	return &AppError{
		Code:    CodePartialApplication,
		Message: fmt.Sprintf("%s partially applied", operation),
		Details: map[string]any{"applied_lines": applied, "failed_lines": failed},
		Err:     cause,
	}
}

// NewInternal creates an internal error (hides details from callers)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal error",
		Err:     err,
	}
}

// NewIdempotencyConflict creates error when operation is already in progress
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:      CodeIdempotency,
		Message:   "Operation already in progress",
		Retryable: true,
		Details:   map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch is returned when the same idempotency key is reused for
// a different request.
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:    CodeIdempotency,
		Message: "Idempotency key mismatch",
		Details: map[string]any{"idempotency_key": key},
	}
}

// NewConflict creates a conflict error
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Code returns the AppError code of err or CodeInternal.
func Code(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// HasCode reports whether any AppError in the chain carries the given code.
// A partial-application error therefore also matches the code of its cause.
func HasCode(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsOccConflict checks if error is CodeOccConflict
func IsOccConflict(err error) bool {
	return HasCode(err, CodeOccConflict)
}

// IsConcurrentModification checks if error is CodeConcurrentModification
func IsConcurrentModification(err error) bool {
	return HasCode(err, CodeConcurrentModification)
}

// IsRetryable reports whether the first AppError in the chain is transient.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}
