// Package db stores the relay activity log in SQLite.
//
// One row is written per finished resolve-and-stream request: its outcome kind, the HTTP
// status, the number of bytes relayed and the source host. Source page URLs and media URLs
// are never stored.
//
// Migrations live in `migrations/` and are embedded into the binary; New applies any that
// are pending before returning the connection.
package db
