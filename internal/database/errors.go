package database

import (
	"errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// classify maps a driver error from a write path onto the error taxonomy.
// Coded errors raised inside the transaction pass through untouched.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *apperr.Error
	if errors.As(err, &coded) {
		return err
	}
	if isBusyError(err) || isConstraintError(err) {
		return apperr.Wrap(apperr.CodeConcurrentModification, err, "%s", op)
	}
	return apperr.Wrap(apperr.CodePersistenceFailure, err, "%s", op)
}
