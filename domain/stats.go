package domain

// StatsRepository defines the interface for aggregate counts over the activity log.
type StatsRepository interface {
	// CountLogs returns the total number of activity log entries.
	CountLogs() (int, error)
	// CountByOutcome returns the number of entries per outcome kind.
	CountByOutcome() (map[string]int, error)
	// RelayedBytes returns the sum of bytes relayed by successful requests.
	RelayedBytes() (int64, error)
}
