// Package storage persists the run log (StageRunRecords), collected snapshots
// and approved plans.
//
// Backends:
//   - "file": JSON Lines run log + atomically replaced latest snapshot/plan
//   - "sqlite": single SQLite database (modernc.org/sqlite, pure Go)
//
// Both are single-writer / multi-reader.
package storage
