package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database represents the ledger connection and operations
type Database struct {
	DB     *sql.DB
	driver string
}

// New opens the ledger. SQLite is the default on the device; PostgreSQL is
// used when the ledger lives on a gateway.
func New(driver, dsn string) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory: %w", err)
			}
		}

		db, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}

		// SQLite doesn't benefit from multiple connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	return &Database{DB: db, driver: driver}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}

// Driver returns the ledger driver name.
func (d *Database) Driver() string {
	return d.driver
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
