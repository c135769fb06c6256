package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/sodarelay/domain"
)

var _ domain.LogRepository = (*Repository)(nil)

// dbLog is a logs row.
type dbLog struct {
	ID         uuid.UUID      `db:"id"`
	Timestamp  time.Time      `db:"timestamp"`
	Level      string         `db:"level"`
	Message    string         `db:"message"`
	Outcome    string         `db:"outcome"`
	Status     int            `db:"status"`
	Bytes      int64          `db:"bytes"`
	SourceHost string         `db:"source_host"`
	RequestID  sql.NullString `db:"request_id"`
	Context    LogContext     `db:"context"`
}

func toDomainLog(dbLog *dbLog) *domain.Log {
	log := &domain.Log{
		ID:         dbLog.ID,
		Timestamp:  dbLog.Timestamp,
		Level:      dbLog.Level,
		Message:    dbLog.Message,
		Outcome:    dbLog.Outcome,
		Status:     dbLog.Status,
		Bytes:      dbLog.Bytes,
		SourceHost: dbLog.SourceHost,
		Context:    map[string]any(dbLog.Context),
	}

	if dbLog.RequestID.Valid {
		id := dbLog.RequestID.String
		log.RequestID = &id
	}

	return log
}

func fromDomainLog(log *domain.Log) *dbLog {
	dbLog := &dbLog{
		ID:         log.ID,
		Timestamp:  log.Timestamp,
		Level:      log.Level,
		Message:    log.Message,
		Outcome:    log.Outcome,
		Status:     log.Status,
		Bytes:      log.Bytes,
		SourceHost: log.SourceHost,
		Context:    LogContext(log.Context),
	}

	if log.RequestID != nil {
		dbLog.RequestID = sql.NullString{String: *log.RequestID, Valid: true}
	}

	return dbLog
}

// InsertLog saves a new activity entry.
func (repo *Repository) InsertLog(log *domain.Log) error {
	dbLog := fromDomainLog(log)
	query := `INSERT INTO logs (id, timestamp, level, message, outcome, status, bytes, source_host, request_id, context)
	          VALUES (:id, :timestamp, :level, :message, :outcome, :status, :bytes, :source_host, :request_id, :context)`

	_, err := repo.dbConn.NamedExec(query, dbLog)
	if err != nil {
		return fmt.Errorf("inserting log %s: %w", log.ID, err)
	}

	return nil
}

// GetLogs returns every activity entry, oldest first.
func (repo *Repository) GetLogs() ([]*domain.Log, error) {
	var dbLogs []*dbLog
	query := `SELECT id, timestamp, level, message, outcome, status, bytes, source_host, request_id, context
	          FROM logs ORDER BY timestamp, id`

	err := repo.dbConn.Select(&dbLogs, query)
	if err != nil {
		return nil, fmt.Errorf("fetching all logs: %w", err)
	}

	domainLogs := make([]*domain.Log, len(dbLogs))
	for i, dbLog := range dbLogs {
		domainLogs[i] = toDomainLog(dbLog)
	}

	return domainLogs, nil
}
