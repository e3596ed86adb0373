// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/permguard/internal/database"
)

// DuckDBStore persists attempts in access_attempts and alerts in
// security_alerts.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore uses an already migrated database.
func NewDuckDBStore(db *database.DB) *DuckDBStore {
	return &DuckDBStore{db: db.Conn()}
}

func (s *DuckDBStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO access_attempts
		(id, actor_id, resource, ts, success, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActorID, a.Resource, a.Timestamp.UTC(), a.Success, a.IPAddress, a.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to insert access attempt: %w", err)
	}
	return nil
}

func (s *DuckDBStore) RecentAttempts(ctx context.Context, actorID string, since time.Time) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, actor_id, resource, ts, success, ip_address, user_agent
		FROM access_attempts
		WHERE actor_id = ? AND ts >= ?
		ORDER BY ts ASC, id ASC`, actorID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query access attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Resource, &a.Timestamp, &a.Success,
			&a.IPAddress, &a.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan access attempt: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) PurgeAttempts(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_attempts WHERE ts < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge access attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge count: %w", err)
	}
	return int(n), nil
}

func (s *DuckDBStore) SaveAlert(ctx context.Context, a *Alert) error {
	details := string(a.Details)
	if details == "" {
		details = "{}"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO security_alerts
		(id, alert_type, severity, actor_id, ts, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), string(a.Severity), a.ActorID, a.Timestamp.UTC(), a.Message, details)
	if err != nil {
		return fmt.Errorf("failed to insert security alert: %w", err)
	}
	return nil
}

func (s *DuckDBStore) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Types) > 0 {
		conds = append(conds, "alert_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Severities) > 0 {
		conds = append(conds, "severity IN ("+placeholders(len(f.Severities))+")")
		for _, sev := range f.Severities {
			args = append(args, string(sev))
		}
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, alert_type, severity, actor_id, ts, message, details FROM security_alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Alert{}
	for rows.Next() {
		var (
			a       Alert
			typ     string
			sev     string
			details string
		)
		if err := rows.Scan(&a.ID, &typ, &sev, &a.ActorID, &a.Timestamp, &a.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan security alert: %w", err)
		}
		a.Type = AlertType(typ)
		a.Severity = Severity(sev)
		a.Timestamp = a.Timestamp.UTC()
		a.Details = json.RawMessage(details)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) CountAlertsBySeverity(ctx context.Context, since time.Time) (map[Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM security_alerts
		WHERE ts >= ? GROUP BY severity`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count security alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Severity]int, len(Severities))
	for rows.Next() {
		var (
			sev string
			n   int64
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts[Severity(sev)] = int(n)
	}
	return counts, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var _ Store = (*DuckDBStore)(nil)
