// Package core holds option functions for building activity log entries.
package core

import (
	"github.com/tfkr-ae/sodarelay/domain"
)

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithRequestID is an option to associate a log entry with the request ID sent in X-Request-ID.
func LogWithRequestID(id string) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		if id == "" {
			return nil
		}
		log.RequestID = &id
		return nil
	}
}

// LogWithOutcome records the outcome kind and the status sent to the caller.
func LogWithOutcome(outcome string, status int) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Outcome = outcome
		log.Status = status
		return nil
	}
}

// LogWithBytes records how many media bytes were relayed.
func LogWithBytes(n int64) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Bytes = n
		return nil
	}
}

// LogWithSourceHost records the host of the source page.
func LogWithSourceHost(host string) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.SourceHost = host
		return nil
	}
}
