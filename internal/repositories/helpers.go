package repositories

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// isNotFound reports whether err is GORM's record-not-found.
func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// isConflict reports whether err is a unique-constraint violation.
// gorm.ErrDuplicatedKey covers drivers that translate the error; the string
// checks catch SQLite ("UNIQUE constraint failed") and PostgreSQL
// ("duplicate key value") when they do not.
func isConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
