// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package database owns the embedded DuckDB connection that holds the audit
// trail, the access-attempt log and raised security alerts.
//
// Timestamps are stored as naive UTC TIMESTAMP values so hour() and range
// predicates never depend on the ICU extension or the process time zone.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config configures the DuckDB connection.
type Config struct {
	Path      string `koanf:"path" validate:"required"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
	MaxMemory string `koanf:"max_memory"`
}

// DefaultConfig stores data under ./data.
func DefaultConfig() Config {
	return Config{
		Path:      "data/permguard.duckdb",
		MaxMemory: "1GB",
	}
}

// DB wraps the DuckDB connection pool.
type DB struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open connects to DuckDB and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	if cfg.Path != MemoryPath {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	// Extensions are never auto-installed; the schema uses core types only.
	dsn := fmt.Sprintf("%s?threads=%d&autoinstall_known_extensions=false&autoload_known_extensions=false", cfg.Path, threads)
	if cfg.MaxMemory != "" {
		dsn += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, path: cfg.Path, log: logging.WithComponent("database")}
	if err := conn.PingContext(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := db.migrate(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db.log.Info().Str("path", cfg.Path).Int("threads", threads).Msg("database ready")
	return db, nil
}

// OpenMemory opens an in-memory database. Used by tests and dev mode.
func OpenMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, Config{Path: MemoryPath, Threads: 1})
}

// Conn exposes the pool to the store implementations.
func (db *DB) Conn() *sql.DB { return db.conn }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.conn.PingContext(ctx) }

// Close closes the pool.
func (db *DB) Close() error { return db.conn.Close() }

// schemaContext bounds DDL execution.
func schemaContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

// closeQuietly closes a resource in an error path where the Close error is
// not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
