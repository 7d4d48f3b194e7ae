// Package storage persists events, calendars, trigger-fired markers and lock
// leases.
//
// Drivers:
//   - "memory": process-local maps, for tests and single-process runs
//   - "sqlite": a SQLite database file (WAL) shareable by several processes
//
// Missing rows surface as domain.ErrNotFound and driver failures are wrapped
// with domain.ErrTransientStore.
package storage
