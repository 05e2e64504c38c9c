// Package storage persists relay state: requesters, thread status,
// message-id mappings and buffered media-group items.
//
// The backend is a single SQLite file (modernc.org/sqlite, no cgo).
// Multi-step mutations that must not be torn (thread binding, purge)
// are exposed as single transactional operations.
package storage
