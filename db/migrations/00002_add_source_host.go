package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

func init() {
	goose.AddMigrationContext(upAddSourceHost, downAddSourceHost)
}

// upAddSourceHost moves the source host out of the context JSON into its own column so it
// can be grouped on.
func upAddSourceHost(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE logs ADD COLUMN source_host TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("adding source_host column : %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, context FROM logs`)
	if err != nil {
		return fmt.Errorf("getting all rows : %w", err)
	}

	type backfill struct {
		id   string
		host string
	}
	var pending []backfill

	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row : %w", err)
		}
		if !raw.Valid || raw.String == "" {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(raw.String), &fields); err != nil {
			continue
		}
		if host, ok := fields["source_host"].(string); ok && host != "" {
			pending = append(pending, backfill{id: id, host: host})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating rows : %w", err)
	}
	rows.Close()

	for _, row := range pending {
		_, err := tx.ExecContext(ctx, `UPDATE logs SET source_host = ? WHERE id = ?`, row.host, row.id)
		if err != nil {
			return fmt.Errorf("updating row %s : %w", row.id, err)
		}
	}
	return nil
}

func downAddSourceHost(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE logs DROP COLUMN source_host`)
	if err != nil {
		return fmt.Errorf("dropping source_host column : %w", err)
	}
	return nil
}
