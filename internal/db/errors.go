package db

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

// MapError converts a driver error into the boundary taxonomy: lock
// contention becomes the retryable DATABASE_BUSY, anything else
// DATABASE_ERROR. AppErrors pass through untouched.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return apperrors.DatabaseBusy(err)
		}
	}

	return apperrors.DatabaseError("storage operation failed", err)
}

// IsConstraintViolation reports whether err is a SQLite constraint failure
// (unique, primary key, foreign key).
func IsConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
