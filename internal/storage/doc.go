// Package storage is the persistence layer behind cursors and the enabled flag.
//
// It exposes a tiny string key/value API plus an append-only audit log of
// operator actions (toggles, cursor resets). Backends:
//   - "memory": process-local, lost on restart (tests, dry runs)
//   - "file":   snapshot + JSON Lines journal, compacted periodically
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "redis":  a shared Redis hash, for several notifier instances
package storage
