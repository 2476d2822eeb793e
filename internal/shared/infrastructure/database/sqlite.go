// Package database provides connection bootstrap helpers and driver
// detection shared by the persistence layer.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultSQLitePath returns the default SQLite database path.
func DefaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".cadence", "data.db")
}

// EnsureDirectory creates the parent directory for a file path if it doesn't exist.
func EnsureDirectory(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// verifies it is reachable.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultSQLitePath()
	}

	if err := EnsureDirectory(path); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Build DSN with pragmas for optimal SQLite performance
	// - journal_mode=WAL: Write-Ahead Logging for better concurrency
	// - foreign_keys=ON: Enforce foreign key constraints
	// - busy_timeout=5000: Wait 5s on lock instead of failing immediately
	// - synchronous=NORMAL: Good balance of safety and speed
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite doesn't support multiple writers, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return db, nil
}
