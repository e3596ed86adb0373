// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/permguard/internal/database"
	"github.com/tomtom215/permguard/internal/errs"
)

const entryColumns = `id, ts, actor_id, actor_email, target_id, action, category, severity, status,
	resource, resource_id, details, ip_address, user_agent, session_id, request_id, duration_ms`

// DuckDBStore persists entries in the audit_entries table.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore uses an already migrated database.
func NewDuckDBStore(db *database.DB) *DuckDBStore {
	return &DuckDBStore{db: db.Conn()}
}

func (s *DuckDBStore) Append(ctx context.Context, e *Entry) error {
	details := string(e.Details)
	if details == "" {
		details = "{}"
	}
	var duration sql.NullInt64
	if e.DurationMS != nil {
		duration = sql.NullInt64{Int64: *e.DurationMS, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC(), e.ActorID, e.ActorEmail, e.TargetID, e.Action,
		string(e.Category), string(e.Severity), string(e.Status),
		e.Resource, e.ResourceID, details, e.IPAddress, e.UserAgent,
		e.SessionID, e.RequestID, duration,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *DuckDBStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("audit.Get", "entry "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return e, nil
}

func (s *DuckDBStore) Query(ctx context.Context, f Filter, p Page) ([]Entry, error) {
	where, args := buildFilterConditions(&f)

	query := `SELECT ` + entryColumns + ` FROM audit_entries` + where + ` ORDER BY ts DESC, id DESC`
	if p.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, p.Limit)
	}
	if p.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, p.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

func (s *DuckDBStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := buildFilterConditions(&f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

func (s *DuckDBStore) Stats(ctx context.Context, f Filter, topN int) (*Stats, error) {
	where, args := buildFilterConditions(&f)
	st := newStats()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	for _, g := range []struct {
		column string
		into   map[string]int64
	}{
		{"category", st.ByCategory},
		{"severity", st.BySeverity},
		{"status", st.ByStatus},
	} {
		if err := s.countByColumn(ctx, g.column, where, args, g.into); err != nil {
			return nil, err
		}
	}

	var err error
	if st.TopActors, err = s.topByColumn(ctx, "actor_id", where, args, topN); err != nil {
		return nil, err
	}
	if st.TopResources, err = s.topByColumn(ctx, "resource", where, args, topN); err != nil {
		return nil, err
	}
	if st.TopActions, err = s.topByColumn(ctx, "action", where, args, topN); err != nil {
		return nil, err
	}
	if err := s.countByHour(ctx, where, args, &st.ByHour); err != nil {
		return nil, err
	}
	return st, nil
}

// countByColumn is only ever called with a fixed column name.
func (s *DuckDBStore) countByColumn(ctx context.Context, column, where string, args []any, into map[string]int64) error {
	//nolint:gosec // column is a constant from Stats
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_entries%s GROUP BY %s", column, where, column)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

func (s *DuckDBStore) topByColumn(ctx context.Context, column, where string, args []any, n int) ([]KeyCount, error) {
	//nolint:gosec // column is a constant from Stats
	query := fmt.Sprintf("SELECT %s, COUNT(*) AS n FROM audit_entries%s GROUP BY %s ORDER BY n DESC, %s ASC",
		column, where, column, column)
	qargs := append([]any{}, args...)
	if n > 0 {
		query += " LIMIT ?"
		qargs = append(qargs, n)
	}

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	out := []KeyCount{}
	for rows.Next() {
		var kc KeyCount
		if err := rows.Scan(&kc.Key, &kc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan %s rank: %w", column, err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) countByHour(ctx context.Context, where string, args []any, into *[24]int64) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CAST(hour(ts) AS INTEGER) AS h, COUNT(*) FROM audit_entries`+where+` GROUP BY h`, args...)
	if err != nil {
		return fmt.Errorf("failed to count by hour: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var h int
		var n int64
		if err := rows.Scan(&h, &n); err != nil {
			return fmt.Errorf("failed to scan hour count: %w", err)
		}
		if h >= 0 && h < 24 {
			into[h] = n
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e                          Entry
		category, severity, status string
		details                    string
		duration                   sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.ActorEmail, &e.TargetID, &e.Action,
		&category, &severity, &status, &e.Resource, &e.ResourceID, &details,
		&e.IPAddress, &e.UserAgent, &e.SessionID, &e.RequestID, &duration)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Category = Category(category)
	e.Severity = Severity(severity)
	e.Status = Status(status)
	e.Details = []byte(details)
	if duration.Valid {
		d := duration.Int64
		e.DurationMS = &d
	}
	return &e, nil
}

// buildSliceCondition renders "column IN (?, ?, ...)" for a non-empty set.
func buildSliceCondition[T ~string](column string, values []T) (string, []any) {
	if len(values) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = string(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), args
}

// buildFilterConditions returns a WHERE clause (with leading space) and its
// arguments. It must select exactly the rows matchesFilter accepts.
func buildFilterConditions(f *Filter) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, a []any) {
		if cond != "" {
			conditions = append(conditions, cond)
			args = append(args, a...)
		}
	}
	add(buildSliceCondition("category", f.Categories))
	add(buildSliceCondition("severity", f.Severities))
	add(buildSliceCondition("status", f.Statuses))
	add(buildSliceCondition("resource", f.Resources))
	add(buildSliceCondition("actor_id", f.ActorIDs))

	if f.Action != "" {
		add("contains(lower(action), lower(?))", []any{f.Action})
	}
	if f.Start != nil {
		add("ts >= ?", []any{f.Start.UTC()})
	}
	if f.End != nil {
		add("ts <= ?", []any{f.End.UTC()})
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

var _ Store = (*DuckDBStore)(nil)
