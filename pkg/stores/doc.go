// Package stores keeps the run journal in SQLite. Schema changes are
// embedded golang-migrate migrations applied by Migrate.
package stores
