package auth

import (
	"database/sql"
	"strings"
	"time"
)

// Shared SQLite helpers for the auth repositories.

// scanner is an interface covering sql.Row and sql.Rows Scan methods.
type scanner interface {
	Scan(dest ...any) error
}

// nullString returns an invalid NullString for empty strings.
// Used for nullable TEXT columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime renders a timestamp the way every table stores it: RFC3339 UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored RFC3339 timestamp. The format is controlled by
// us, so failures collapse to the zero time rather than an error.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s) //nolint:errcheck // format is controlled
	return t
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

// uniqueViolationColumn reports whether a unique violation mentions the
// given column, so duplicate usernames and duplicate emails can map to
// distinct sentinel errors.
func uniqueViolationColumn(err error, column string) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), column)
}
