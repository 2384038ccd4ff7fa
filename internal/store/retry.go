package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// isRetryable classifies a driver error the same way the teacher's
// internal/db/batch.go classifies *pq.Error: by SQLSTATE class where
// available, falling back to substring matching on connection-related
// wording, defaulting to retryable for anything unrecognised (a
// transient condition is far more likely than a poison-pill query).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57", // operator intervention
			"58": // system error
			return true
		case "23", // integrity constraint violation
			"22": // data exception
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"bad connection",
		"timeout",
		"too many connections",
		"stream is closed",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}

	return true
}
