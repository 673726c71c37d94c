// Package storage keeps the history of finished test sessions.
//
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: SQLite database file (modernc.org/sqlite, pure Go)
package storage
