// Package storage persists job and schedule state plus a bounded run history.
//
// Drivers:
//   - "memory": process-local, the default when nothing is configured
//   - "file": snapshot + JSON Lines journal, no external dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "badger": embedded key-value store
//   - "postgres": shared PostgreSQL database (pgx pool)
package storage
