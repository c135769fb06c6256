package db

import (
	"fmt"

	"github.com/tfkr-ae/sodarelay/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

// CountLogs returns the number of activity entries.
func (repo *Repository) CountLogs() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM logs`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting log count: %w", err)
	}

	return count, nil
}

// CountByOutcome returns the number of activity entries per outcome kind.
func (repo *Repository) CountByOutcome() (map[string]int, error) {
	var rows []struct {
		Outcome string `db:"outcome"`
		Count   int    `db:"count"`
	}
	query := `SELECT outcome, COUNT(*) AS count FROM logs GROUP BY outcome`

	err := repo.dbConn.Select(&rows, query)
	if err != nil {
		return nil, fmt.Errorf("getting outcome counts: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Count
	}
	return counts, nil
}

// RelayedBytes returns the total number of media bytes relayed to callers.
func (repo *Repository) RelayedBytes() (int64, error) {
	var total int64
	query := `SELECT COALESCE(SUM(bytes), 0) FROM logs`

	err := repo.dbConn.Get(&total, query)
	if err != nil {
		return 0, fmt.Errorf("getting relayed bytes: %w", err)
	}

	return total, nil
}
