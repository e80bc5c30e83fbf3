// Package errors provides the structured error taxonomy surfaced at the
// Stoneforge service boundary.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a boundary error class.
type Code string

// Boundary error codes.
const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeValidation           Code = "VALIDATION"
	CodeMissingRequiredField Code = "MISSING_REQUIRED_FIELD"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeInvalidID            Code = "INVALID_ID"
	CodeCycleDetected        Code = "CYCLE_DETECTED"
	CodeDuplicateDependency  Code = "DUPLICATE_DEPENDENCY"
	CodeDependencyNotFound   Code = "DEPENDENCY_NOT_FOUND"
	CodeHasDependents        Code = "HAS_DEPENDENTS"
	CodeAlreadyAssigned      Code = "ALREADY_ASSIGNED"
	CodeActiveSessionExists  Code = "ACTIVE_SESSION_EXISTS"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeWrongAgent           Code = "WRONG_AGENT"
	CodeSyncConflict         Code = "SYNC_CONFLICT"
	CodeDatabaseBusy         Code = "DATABASE_BUSY"
	CodeDatabaseError        Code = "DATABASE_ERROR"
)

// AppError represents an application error with a boundary code and context.
type AppError struct {
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Field   string   `json:"field,omitempty"`
	Path    []string `json:"path,omitempty"` // cycle path for CYCLE_DETECTED
	Err     error    `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// AlreadyExists creates a duplicate-id error for a resource.
func AlreadyExists(resource string, id string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s with id '%s' already exists", resource, id),
	}
}

// Validation creates a validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
		Field:   field,
	}
}

// MissingRequiredField creates an error for an absent required field.
func MissingRequiredField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingRequiredField,
		Message: fmt.Sprintf("required field '%s' is missing", field),
		Field:   field,
	}
}

// InvalidInput creates a generic invalid-input error.
func InvalidInput(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// InvalidID creates an error for a malformed element id.
func InvalidID(id string) *AppError {
	return &AppError{
		Code:    CodeInvalidID,
		Message: fmt.Sprintf("invalid element id '%s'", id),
	}
}

// CycleDetected creates a cycle error carrying the full cycle path.
func CycleDetected(path []string) *AppError {
	return &AppError{
		Code:    CodeCycleDetected,
		Message: fmt.Sprintf("dependency would create a cycle: %s", strings.Join(path, " -> ")),
		Path:    path,
	}
}

// DuplicateDependency creates an error for an already-present edge.
func DuplicateDependency(blockedID, blockerID, depType string) *AppError {
	return &AppError{
		Code:    CodeDuplicateDependency,
		Message: fmt.Sprintf("dependency (%s, %s, %s) already exists", blockedID, blockerID, depType),
	}
}

// DependencyNotFound creates an error for a missing edge.
func DependencyNotFound(blockedID, blockerID, depType string) *AppError {
	return &AppError{
		Code:    CodeDependencyNotFound,
		Message: fmt.Sprintf("dependency (%s, %s, %s) not found", blockedID, blockerID, depType),
	}
}

// HasDependents creates an error for deleting an element that others depend on.
func HasDependents(id string, count int) *AppError {
	return &AppError{
		Code:    CodeHasDependents,
		Message: fmt.Sprintf("element '%s' has %d dependent(s)", id, count),
	}
}

// AlreadyAssigned creates an error for claiming a task that another entity holds.
func AlreadyAssigned(taskID, assignee string) *AppError {
	return &AppError{
		Code:    CodeAlreadyAssigned,
		Message: fmt.Sprintf("task '%s' is already assigned to '%s'", taskID, assignee),
	}
}

// ActiveSessionExists creates an error for starting a second session for an agent.
func ActiveSessionExists(agentID, sessionID string) *AppError {
	return &AppError{
		Code:    CodeActiveSessionExists,
		Message: fmt.Sprintf("agent '%s' already has an active session '%s'", agentID, sessionID),
	}
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", id),
	}
}

// WrongAgent creates an error for operating on a session owned by another agent.
func WrongAgent(sessionID, agentID string) *AppError {
	return &AppError{
		Code:    CodeWrongAgent,
		Message: fmt.Sprintf("session '%s' does not belong to agent '%s'", sessionID, agentID),
	}
}

// SyncConflict creates an error for concurrent-modification conflicts.
func SyncConflict(message string) *AppError {
	return &AppError{Code: CodeSyncConflict, Message: message}
}

// DatabaseBusy creates a retryable busy error.
func DatabaseBusy(err error) *AppError {
	return &AppError{Code: CodeDatabaseBusy, Message: "database is busy", Err: err}
}

// DatabaseError wraps an unexpected storage failure.
func DatabaseError(message string, err error) *AppError {
	return &AppError{Code: CodeDatabaseError, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, preserving its code.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Field:   appErr.Field,
			Path:    appErr.Path,
			Err:     err,
		}
	}

	return &AppError{
		Code:    CodeDatabaseError,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the boundary code of err, or DATABASE_ERROR for foreign errors.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeDatabaseError
}

// IsCode reports whether err carries the given boundary code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsRetryable reports whether the operation may be retried as-is.
// Only DATABASE_BUSY is retryable; everything else needs a state change first.
func IsRetryable(err error) bool {
	return IsCode(err, CodeDatabaseBusy)
}

// CyclePath returns the cycle path carried by a CYCLE_DETECTED error, if any.
func CyclePath(err error) []string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code == CodeCycleDetected {
		return appErr.Path
	}
	return nil
}
