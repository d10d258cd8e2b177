package services

import (
	"errors"
	"fmt"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates the stored order changed underneath the command.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrRequestInProgress indicates another caller holds the reservation for the request id.
	ErrRequestInProgress = errors.New("order: request is already being processed")
	// ErrRequestIDReused indicates a request id was replayed with a different command.
	ErrRequestIDReused = errors.New("order: request id was used for a different command")
	// ErrNotCompensable indicates the most recent command has no compensating command.
	ErrNotCompensable = errors.New("order: command cannot be undone")
	// ErrNothingToUndo indicates the command history is empty.
	ErrNothingToUndo = errors.New("order: no command to undo")
)

// Stable error codes shared by idempotency payloads and the HTTP layer.
const (
	ErrorCodeIllegalTransition = "illegal_transition"
	ErrorCodeRuleViolation     = "business_rule_violation"
	ErrorCodeNotFound          = "order_not_found"
	ErrorCodeInvalidInput      = "invalid_input"
	ErrorCodeConflict          = "order_conflict"
	ErrorCodeInProgress        = "request_in_progress"
	ErrorCodeRequestIDReused   = "idempotency_key_reused"
	ErrorCodeNotCompensable    = "not_compensable"
	ErrorCodeNothingToUndo     = "nothing_to_undo"
	ErrorCodeExecution         = "command_execution_failed"
)

// DuplicateRequestError signals that the request id already has a recorded outcome. The cached result is returned
// alongside it; callers should hand that back instead of treating this as a failure.
type DuplicateRequestError struct {
	RequestID    string
	Operation    string
	Succeeded    bool
	ErrorCode    string
	ErrorMessage string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("order: duplicate request %q for %s", e.RequestID, e.Operation)
}

// CommandExecutionError wraps an unexpected collaborator failure. It is the only failure logged as an
// operational error, and it releases the idempotency reservation so the caller may retry.
type CommandExecutionError struct {
	Command string
	OrderID int64
	Err     error
}

func (e *CommandExecutionError) Error() string {
	if e.OrderID != 0 {
		return fmt.Sprintf("order: %s on order %d failed: %v", e.Command, e.OrderID, e.Err)
	}
	return fmt.Sprintf("order: %s failed: %v", e.Command, e.Err)
}

func (e *CommandExecutionError) Unwrap() error {
	return e.Err
}

// ErrorCode classifies err into one of the stable error codes.
func ErrorCode(err error) string {
	var (
		duplicate *DuplicateRequestError
		execErr   *CommandExecutionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &duplicate):
		return duplicate.ErrorCode
	case domain.IsIllegalTransition(err):
		return ErrorCodeIllegalTransition
	case domain.IsBusinessRuleViolation(err):
		return ErrorCodeRuleViolation
	case errors.As(err, &execErr):
		return ErrorCodeExecution
	case errors.Is(err, ErrOrderNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrOrderInvalidInput), errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrTerminalOrder):
		return ErrorCodeInvalidInput
	case errors.Is(err, ErrOrderConflict):
		return ErrorCodeConflict
	case errors.Is(err, ErrRequestInProgress):
		return ErrorCodeInProgress
	case errors.Is(err, ErrRequestIDReused), errors.Is(err, idempotency.ErrOperationMismatch):
		return ErrorCodeRequestIDReused
	case errors.Is(err, ErrNotCompensable):
		return ErrorCodeNotCompensable
	case errors.Is(err, ErrNothingToUndo):
		return ErrorCodeNothingToUndo
	default:
		return ErrorCodeExecution
	}
}

// expectedFailure reports whether err is a normal negative-path result whose outcome is worth recording against
// the request id.
func expectedFailure(err error) bool {
	switch ErrorCode(err) {
	case ErrorCodeIllegalTransition, ErrorCodeRuleViolation, ErrorCodeNotFound, ErrorCodeInvalidInput:
		return true
	default:
		return false
	}
}
