// Package errors provides the standardized error taxonomy for the
// matching, assignment, and escrow core.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Assignment / capacity errors
	ErrCodeSlotUnavailable   ErrorCode = "SLOT_UNAVAILABLE"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Escrow errors
	ErrCodeEscrowHoldFailed        ErrorCode = "ESCROW_HOLD_FAILED"
	ErrCodeEscrowOperationConflict ErrorCode = "ESCROW_OPERATION_CONFLICT"
	ErrCodeEscrowSettlementFailed  ErrorCode = "ESCROW_SETTLEMENT_FAILED"
	ErrCodeEscrowNotFound          ErrorCode = "ESCROW_NOT_FOUND"

	// Matching errors
	ErrCodeCandidateDataIncomplete ErrorCode = "CANDIDATE_DATA_INCOMPLETE"

	// Infrastructure errors
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeRecordNotFound           ErrorCode = "RECORD_NOT_FOUND"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// CodeOf returns the error code carried by err, or "" when err is not a
// StandardError.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ==========================
// Error Constructors
// ==========================

// NewSlotUnavailableError signals a lost capacity race; the caller should
// re-rank the remaining candidates and retry with the next best.
func NewSlotUnavailableError(shiftID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSlotUnavailable,
		Message:   "Shift slot no longer available",
		Details:   fmt.Sprintf("shiftId: %s", shiftID),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTransitionError creates a non-retryable state machine misuse error.
func NewInvalidTransitionError(assignmentID, from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   "Illegal assignment state transition",
		Details:   fmt.Sprintf("assignmentId: %s, transition: %s -> %s", assignmentID, from, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEscrowHoldFailedError signals a declined or errored payment hold;
// the triggering assignment is rolled back in full.
func NewEscrowHoldFailedError(assignmentID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEscrowHoldFailed,
		Message:   "Payment could not be authorized, assignment not made",
		Details:   fmt.Sprintf("assignmentId: %s, error: %v", assignmentID, err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewEscrowOperationConflictError signals that a release/refund raced with
// a settlement into the opposite terminal state.
func NewEscrowOperationConflictError(assignmentID, current string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEscrowOperationConflict,
		Message:   "Escrow record already settled with a different outcome",
		Details:   fmt.Sprintf("assignmentId: %s, status: %s", assignmentID, current),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEscrowSettlementFailedError records a transient rail failure on an
// already-held amount. The obligation is kept as a failed record for retry,
// never dropped.
func NewEscrowSettlementFailedError(assignmentID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEscrowSettlementFailed,
		Message:   "Settlement of held amount failed, recorded for retry",
		Details:   fmt.Sprintf("assignmentId: %s, error: %v", assignmentID, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewEscrowNotFoundError creates a non-retryable missing escrow record error.
func NewEscrowNotFoundError(assignmentID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEscrowNotFound,
		Message:   "No escrow record held for assignment",
		Details:   fmt.Sprintf("assignmentId: %s", assignmentID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCandidateDataIncompleteError marks a single candidate as unscoreable.
// Non-fatal: the scoring pass continues without the candidate.
func NewCandidateDataIncompleteError(workerID, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCandidateDataIncomplete,
		Message:   "Candidate data incomplete, excluded from scoring",
		Details:   fmt.Sprintf("workerId: %s, reason: %s", workerID, reason),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewRecordNotFoundError creates a non-retryable missing record error.
func NewRecordNotFoundError(kind, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecordNotFound,
		Message:   fmt.Sprintf("%s not found", kind),
		Details:   fmt.Sprintf("id: %s", id),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is worth retrying.
func IsRetryableErrorCode(code ErrorCode) bool {
	switch code {
	case ErrCodeSlotUnavailable,
		ErrCodeEscrowSettlementFailed,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed:
		return true
	default:
		return false
	}
}
