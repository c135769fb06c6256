package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for the activity log.
// It provides methods for persisting and retrieving one entry per finished request.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(log *Log) error
	// GetLogs retrieves all log entries from the repository, oldest first.
	GetLogs() ([]*Log, error)
}

// Log represents the outcome of a single resolve-and-stream request.
// It carries the source host only, never the source or media URL.
type Log struct {
	ID         uuid.UUID      // Unique identifier for the log entry.
	Timestamp  time.Time      // The time at which the request finished.
	Level      string         // The severity level of the log (DEBUG, INFO, WARN, ERROR).
	Message    string         // Human readable summary, the same text the caller saw on failure.
	Outcome    string         // The outcome kind, "success" or one of the failure kinds.
	Status     int            // HTTP status code sent to the caller.
	Bytes      int64          // Number of media bytes relayed to the caller.
	SourceHost string         // Host of the source page, empty if the input never parsed.
	RequestID  *string        // An optional request ID, matching the X-Request-ID response header.
	Context    map[string]any // A map of additional key-value data for structured logging.
}
