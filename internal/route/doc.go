// Package route owns the session-to-route mapping: an in-memory table with
// shared-read access, SQLite persistence for restarts, and a periodic
// sweeper that evicts idle sessions. Routes are created only by explicit
// upsert and removed only by explicit delete or sweep.
package route
