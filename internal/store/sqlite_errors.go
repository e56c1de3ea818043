package store

import "strings"

// isSQLiteConflictError checks for SQLITE_BUSY and "database is locked"
// errors. Both are concurrency errors that warrant retry logic; the driver
// does not expose typed errors for them.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}
