// Package storage opens the engine's SQLite database and applies the schema.
//
// Higher-level packages (schedule, resource) run their queries against the
// returned handle; this package only owns opening, pragmas and migrations.
package storage
