// Package storage persists the bot's small data sets: per-user upload links,
// the broadcast recipient set and an append-only audit log.
//
// Two drivers are available:
//   - "file": maps.json, users.json and audit.jsonl in a directory, each JSON
//     file read in full and rewritten atomically (tmp + rename) on mutation
//   - "sqlite": the same data in a single SQLite database file
package storage
