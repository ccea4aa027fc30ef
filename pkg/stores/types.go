package stores

import (
	"errors"
	"time"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Resource restricts runs to one instance, e.g. "mysql-default".
	Resource string
	Limit    int
	Offset   int
}
