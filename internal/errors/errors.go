// Package errors provides error code definitions shared across the core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure so callers can distinguish
// retryable conditions from fatal ones.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors. Idempotent reads may be retried; writes must not be
	// retried blindly.
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Topic / folder errors
	ErrTopicNotFound  ErrorCode = "TOPIC_NOT_FOUND"
	ErrFolderNotFound ErrorCode = "FOLDER_NOT_FOUND"
	ErrFolderCycle    ErrorCode = "FOLDER_CYCLE"

	// Scheduling errors. Invalid input, rejected immediately, never retried.
	ErrScheduleInvalid ErrorCode = "SCHEDULE_INVALID"

	// Sync errors
	ErrSyncNetwork        ErrorCode = "SYNC_NETWORK"
	ErrSyncAuthFailed     ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncQuotaExceeded  ErrorCode = "SYNC_QUOTA_EXCEEDED"
	ErrSyncSchemaMismatch ErrorCode = "SYNC_SCHEMA_MISMATCH"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncSkipped        ErrorCode = "SYNC_SKIPPED"

	// Backup errors
	ErrBackupNotFound    ErrorCode = "BACKUP_NOT_FOUND"
	ErrSnapshotCorrupted ErrorCode = "SNAPSHOT_CORRUPTED"
)

// AppError represents an application error with code, message and the
// operation that failed.
type AppError struct {
	Code    ErrorCode
	Op      string // the failed operation, e.g. "db.InsertTopic"
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapOp wraps an existing error with an error code and the failed operation.
func WrapOp(code ErrorCode, op, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error (or any error it wraps) carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
