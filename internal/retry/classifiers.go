package retry

import (
	"strings"
)

// ClassifySQLite classifies errors from the SQLite driver.
//
// The executor writes while dashboards and CLI observers read the same file;
// SQLITE_BUSY and SQLITE_LOCKED are expected under that load and resolve on
// retry. Everything else (constraint violations, malformed data, I/O errors)
// is permanent.
func ClassifySQLite(err error) ErrorType {
	if err == nil {
		return Permanent
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "sqlite_busy") ||
		strings.Contains(errStr, "sqlite_locked") {
		return Contended
	}

	if strings.Contains(errStr, "disk i/o error") ||
		strings.Contains(errStr, "interrupted") {
		return Retryable
	}

	return Permanent
}
