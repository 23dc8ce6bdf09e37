// Package database opens and migrates the service's SQLite databases.
// Each database is opened under a profile that fixes its durability and
// vacuum pragmas: the treasury ledger trades speed for safety, the
// upstream response cache does the opposite, and everything else sits
// in between.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no cgo
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// DatabaseProfile selects the pragma set a database is opened with.
type DatabaseProfile string

const (
	// ProfileLedger fsyncs every commit. The treasury database is the
	// audit trail for real stake, so it never trades durability away.
	ProfileLedger DatabaseProfile = "ledger"
	// ProfileCache skips fsync entirely; cached upstream responses are
	// rebuilt from the API on loss.
	ProfileCache DatabaseProfile = "cache"
	// ProfileStandard checkpoints-then-syncs, the usual WAL tradeoff.
	ProfileStandard DatabaseProfile = "standard"
)

// DB is one open SQLite database plus the identity used in logs.
type DB struct {
	conn *sql.DB
	path string
	name string
}

// Config describes a database to open.
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string // short identity for logs and schema lookup ("treasury", "market", ...)
}

// New opens the database at cfg.Path, creating parent directories as
// needed, and verifies the connection before returning. Paths with a
// file: scheme (in-memory databases in tests) pass through untouched.
func New(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path %s: %w", cfg.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = abs
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", connString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	// SQLite serializes writers regardless, so the pool stays small.
	// The cache database sees only the client's read-through path and
	// needs even less.
	maxOpen, maxIdle := 25, 5
	if cfg.Profile == ProfileCache {
		maxOpen, maxIdle = 10, 2
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{
		conn: conn,
		path: cfg.Path,
		name: cfg.Name,
	}, nil
}

// connString assembles the DSN for the modernc driver, which applies
// _pragma parameters in order on every new pool connection.
func connString(path string, profile DatabaseProfile) string {
	pragmas := []string{"journal_mode(WAL)"}

	switch profile {
	case ProfileLedger:
		// Append-mostly audit data: full fsync, never reclaim pages.
		pragmas = append(pragmas, "synchronous(FULL)", "auto_vacuum(NONE)")
	case ProfileCache:
		pragmas = append(pragmas, "synchronous(OFF)", "auto_vacuum(FULL)", "temp_store(MEMORY)")
	default:
		pragmas = append(pragmas, "synchronous(NORMAL)", "auto_vacuum(INCREMENTAL)", "temp_store(MEMORY)")
	}

	pragmas = append(pragmas,
		"foreign_keys(1)",
		"wal_autocheckpoint(1000)",
		"cache_size(-64000)", // negative means KB: 64MB page cache
	)

	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the short identity this database logs under.
func (db *DB) Name() string {
	return db.name
}

var schemaFiles = map[string]string{
	"treasury": "treasury_schema.sql",
	"market":   "market_schema.sql",
	"config":   "config_schema.sql",
	"history":  "history_schema.sql",
	"cache":    "cache_schema.sql",
}

// Schema returns the embedded DDL for a named database. Used by stores
// that manage their own connection (the history store opens history.db
// with a different driver) but share the canonical schema set.
func Schema(name string) (string, error) {
	schemaFile, ok := schemaFiles[name]
	if !ok {
		return "", fmt.Errorf("no schema for database %s", name)
	}
	content, err := schemaFS.ReadFile("schemas/" + schemaFile)
	if err != nil {
		return "", fmt.Errorf("failed to read embedded schema %s: %w", schemaFile, err)
	}
	return string(content), nil
}

// Migrate applies the embedded schema for this database.
// Schemas use CREATE TABLE IF NOT EXISTS so re-applying is a no-op; anything
// beyond that (column additions, data migrations) is managed externally.
func (db *DB) Migrate() error {
	if _, ok := schemaFiles[db.name]; !ok {
		// A database without a registered schema (ad-hoc test DBs)
		// simply has nothing to migrate.
		return nil
	}
	schema, err := Schema(db.name)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration for %s: %w", db.name, err)
	}

	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		// Re-running DDL against an existing database surfaces as
		// duplicate objects rather than a real failure.
		msg := err.Error()
		if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
			return nil
		}
		return fmt.Errorf("failed to apply schema for %s: %w", db.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema for %s: %w", db.name, err)
	}

	return nil
}

// WithTransaction runs fn inside a transaction, committing when fn
// succeeds and rolling back when it returns an error or panics. The
// panic value becomes the returned error instead of re-raising, so a
// bad write cannot take a scheduler goroutine down with it.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

// QuickCheck pings the database. The ops health endpoint calls this per
// database on every probe, so it stays cheap; integrity checks belong
// to the nightly maintenance window.
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Stats describes the on-disk footprint of one database.
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	FreelistCount int64
}

// GetStats reads file sizes from disk and page counters from SQLite.
// A missing WAL file reports zero rather than an error: right after a
// TRUNCATE checkpoint there may be nothing on disk.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}

	counters := []struct {
		pragma string
		dst    *int64
	}{
		{"page_count", &stats.PageCount},
		{"freelist_count", &stats.FreelistCount},
	}
	for _, c := range counters {
		if err := db.conn.QueryRow("PRAGMA " + c.pragma).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to read %s for %s: %w", c.pragma, db.name, err)
		}
	}

	return stats, nil
}
