package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/kbukum/modelrun/errors"
)

// IsConnectionError checks if a database error is a connection error
// that might be resolved by retrying.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()),
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"connection closed",
		"driver: bad connection",
		"sql: database is closed",
	)
}

// IsRetryableError determines if a database error should trigger a retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsConnectionError(err) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()),
		"deadlock",
		"lock timeout",
		"database is locked",
		"too many connections",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// FromDatabase converts a database error to an AppError for resource.
// Errors that are already AppErrors pass through unchanged.
func FromDatabase(err error, resource string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.NotFound(resource, "").WithCause(err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperrors.AlreadyExists(resource).WithCause(err)
	case IsConnectionError(err):
		return (&apperrors.AppError{
			Code:      apperrors.ErrCodeDatabaseError,
			Message:   "Database is temporarily unavailable. Please try again.",
			Retryable: true,
		}).WithCause(err)
	case IsRetryableError(err):
		return (&apperrors.AppError{
			Code:      apperrors.ErrCodeDatabaseError,
			Message:   fmt.Sprintf("Database operation on %s failed. Please try again.", resource),
			Retryable: true,
		}).WithCause(err)
	}
	return apperrors.DatabaseError(err)
}
