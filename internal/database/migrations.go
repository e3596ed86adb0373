// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package database

import (
	"context"
	"fmt"
	"time"
)

// Migration is one versioned schema change. Migrations are append-only:
// never edit or remove one that has shipped.
type Migration struct {
	Version     int
	Name        string
	Description string
	SQL         string
	AppliedAt   time.Time
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	applied_at TIMESTAMP NOT NULL
);`

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Name:        "create_audit_entries",
			Description: "Append-only audit trail",
			SQL: `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          VARCHAR PRIMARY KEY,
	ts          TIMESTAMP NOT NULL,
	actor_id    VARCHAR NOT NULL,
	actor_email VARCHAR NOT NULL DEFAULT '',
	target_id   VARCHAR NOT NULL DEFAULT '',
	action      VARCHAR NOT NULL,
	category    VARCHAR NOT NULL,
	severity    VARCHAR NOT NULL,
	status      VARCHAR NOT NULL,
	resource    VARCHAR NOT NULL,
	resource_id VARCHAR NOT NULL DEFAULT '',
	details     VARCHAR NOT NULL DEFAULT '{}',
	ip_address  VARCHAR NOT NULL DEFAULT '',
	user_agent  VARCHAR NOT NULL DEFAULT '',
	session_id  VARCHAR NOT NULL DEFAULT '',
	request_id  VARCHAR NOT NULL DEFAULT '',
	duration_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor_id);`,
		},
		{
			Version:     2,
			Name:        "create_access_attempts",
			Description: "Sliding-window source for anomaly rules",
			SQL: `
CREATE TABLE IF NOT EXISTS access_attempts (
	id         VARCHAR PRIMARY KEY,
	actor_id   VARCHAR NOT NULL,
	resource   VARCHAR NOT NULL,
	ts         TIMESTAMP NOT NULL,
	success    BOOLEAN NOT NULL,
	ip_address VARCHAR NOT NULL DEFAULT '',
	user_agent VARCHAR NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_actor_ts ON access_attempts(actor_id, ts);`,
		},
		{
			Version:     3,
			Name:        "create_security_alerts",
			Description: "Alerts raised by the anomaly monitor",
			SQL: `
CREATE TABLE IF NOT EXISTS security_alerts (
	id         VARCHAR PRIMARY KEY,
	alert_type VARCHAR NOT NULL,
	severity   VARCHAR NOT NULL,
	actor_id   VARCHAR NOT NULL,
	ts         TIMESTAMP NOT NULL,
	message    VARCHAR NOT NULL,
	details    VARCHAR NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON security_alerts(ts);`,
		},
	}
}

// migrate applies every migration not yet recorded in schema_migrations.
func (db *DB) migrate(parent context.Context) error {
	ctx, cancel := schemaContext(parent)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx, schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range migrations() {
		if applied[m.Version] {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration v%d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := db.conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, description, applied_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, m.Description, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		count++
	}

	if count > 0 {
		db.log.Info().Int("applied", count).Msg("applied database migrations")
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
