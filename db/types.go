package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// LogContext is the free-form context of an activity entry, stored as a JSON object.
type LogContext map[string]any

// Scan implements sql.Scanner. NULL and empty values scan to an empty map.
func (c *LogContext) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*c = LogContext{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scanning log context : unsupported type %T", v)
	}

	fields := LogContext{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("decoding log context : %w", err)
		}
	}
	*c = fields
	return nil
}

// Value implements driver.Valuer.
func (c LogContext) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding log context : %w", err)
	}
	return string(encoded), nil
}
