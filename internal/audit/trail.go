// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package audit

import (
	"context"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/metrics"
	"github.com/tomtom215/permguard/internal/outcome"
	"github.com/tomtom215/permguard/internal/validation"
)

const (
	DefaultPageLimit   = 50
	DefaultExportLimit = 10000
	DefaultTopN        = 10

	exportPageSize = 500
)

// Config configures the trail service.
type Config struct {
	// MirrorToLog writes every persisted entry to the process log as well.
	MirrorToLog bool `koanf:"mirror_to_log"`
	ExportLimit int  `koanf:"export_limit" validate:"gte=0"`
	TopN        int  `koanf:"top_n" validate:"gte=0,lte=100"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{ExportLimit: DefaultExportLimit, TopN: DefaultTopN}
}

// Trail is the audit service.
type Trail struct {
	store Store
	rep   metrics.Reporter
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// NewTrail creates a trail over store.
func NewTrail(store Store, cfg Config, rep metrics.Reporter) *Trail {
	if rep == nil {
		rep = metrics.Nop{}
	}
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = DefaultExportLimit
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	return &Trail{
		store: store,
		rep:   rep,
		cfg:   cfg,
		log:   logging.WithComponent("audit"),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (t *Trail) SetClock(now func() time.Time) { t.now = now }

// Log validates and persists e, returning the assigned id. Any failure
// returns an error and nothing is written; callers must treat the audited
// action as not permitted.
func (t *Trail) Log(ctx context.Context, e Entry) (string, error) {
	const op = "audit.Log"

	if err := checkRequired(&e); err != nil {
		return "", err
	}
	if len(e.Details) == 0 {
		e.Details = json.RawMessage("{}")
	} else if !json.Valid(e.Details) {
		return "", errs.Validation(op, "details", "details must be valid JSON")
	}
	if err := validation.Check(op, &e); err != nil {
		return "", err
	}

	if e.RequestID == "" {
		e.RequestID = logging.RequestIDFromContext(ctx)
	}
	if e.SessionID == "" {
		e.SessionID = logging.SessionIDFromContext(ctx)
	}
	e.ID = uuid.NewString()
	// DuckDB keeps microsecond precision.
	e.Timestamp = t.now().UTC().Truncate(time.Microsecond)

	if err := t.store.Append(ctx, &e); err != nil {
		t.rep.AuditWriteFailed()
		logging.Ctx(ctx).Error().Err(err).Str("component", "audit").
			Str("action", e.Action).Str("category", string(e.Category)).
			Msg("audit write failed")
		return "", err
	}

	t.rep.AuditWritten(string(e.Category))
	if t.cfg.MirrorToLog {
		t.mirror(&e)
	}
	return e.ID, nil
}

// checkRequired reports the first missing required field as ErrIntegrity.
func checkRequired(e *Entry) error {
	for _, f := range []struct{ name, value string }{
		{"actor_id", e.ActorID},
		{"action", e.Action},
		{"category", string(e.Category)},
		{"severity", string(e.Severity)},
		{"status", string(e.Status)},
		{"resource", e.Resource},
	} {
		if f.value == "" {
			return errs.Integrity("audit.Log", f.name)
		}
	}
	return nil
}

func (t *Trail) mirror(e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		t.log.Warn().Err(err).Str("id", e.ID).Msg("failed to marshal audit entry for log mirror")
		return
	}
	t.log.Info().RawJSON("audit_entry", data).Msg("audit")
}

// Get returns one entry. errs.ErrNotFound for an unknown id,
// errs.ErrStoreUnavailable when the store cannot be reached.
func (t *Trail) Get(ctx context.Context, id string) (*Entry, error) {
	if id == "" {
		return nil, errs.Validation("audit.Get", "id", "id is required")
	}
	return t.store.Get(ctx, id)
}

// Search returns a newest-first page and the filter-wide total. The only
// error is a validation error; store failures yield an empty Degraded result.
func (t *Trail) Search(ctx context.Context, f Filter, p Page) (SearchResult, error) {
	if err := validateFilter("audit.Search", &f); err != nil {
		return SearchResult{}, err
	}
	if err := validation.Check("audit.Search", &p); err != nil {
		return SearchResult{}, err
	}
	if p.Limit == 0 {
		p.Limit = DefaultPageLimit
	}

	total, err := t.store.Count(ctx, f)
	if err != nil {
		return t.degradedSearch(ctx, err), nil
	}
	entries, err := t.store.Query(ctx, f, p)
	if err != nil {
		return t.degradedSearch(ctx, err), nil
	}
	return SearchResult{Entries: entries, Total: total, Outcome: outcome.OK}, nil
}

func (t *Trail) degradedSearch(ctx context.Context, err error) SearchResult {
	t.rep.AuditReadDegraded("search")
	logging.Ctx(ctx).Warn().Err(err).Str("component", "audit").Msg("audit search degraded")
	return SearchResult{Entries: []Entry{}, Outcome: outcome.Degraded}
}

// Stats aggregates the entries Search would return for f.
func (t *Trail) Stats(ctx context.Context, f Filter) (*Stats, error) {
	if err := validateFilter("audit.Stats", &f); err != nil {
		return nil, err
	}
	st, err := t.store.Stats(ctx, f, t.cfg.TopN)
	if err != nil {
		t.rep.AuditReadDegraded("stats")
		logging.Ctx(ctx).Warn().Err(err).Str("component", "audit").Msg("audit stats degraded")
		st = newStats()
		st.Outcome = outcome.Degraded
		return st, nil
	}
	st.Outcome = outcome.OK
	return st, nil
}

// Export streams up to ExportLimit newest-first entries matching f into w and
// returns the number written. A store failure aborts the export with an error
// since the output would be silently truncated.
func (t *Trail) Export(ctx context.Context, f Filter, format Format, w io.Writer) (int, error) {
	if err := validateFilter("audit.Export", &f); err != nil {
		return 0, err
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return 0, err
	}

	// Pin the upper bound so entries appended mid-export cannot shift pages.
	end := t.now().UTC()
	if f.End == nil || f.End.After(end) {
		f.End = &end
	}

	ex := newExporter(format, w)
	written := 0
	for written < t.cfg.ExportLimit {
		size := min(exportPageSize, t.cfg.ExportLimit-written)
		page, err := t.store.Query(ctx, f, Page{Limit: size, Offset: written})
		if err != nil {
			t.rep.AuditReadDegraded("export")
			return written, err
		}
		for i := range page {
			if err := ex.Write(&page[i]); err != nil {
				return written, err
			}
			written++
		}
		if len(page) < size {
			break
		}
	}
	if err := ex.Close(); err != nil {
		return written, err
	}

	t.log.Info().Str("format", string(format)).Int("entries", written).Msg("audit export complete")
	return written, nil
}

func validateFilter(op string, f *Filter) error {
	if err := validation.Check(op, f); err != nil {
		return err
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return errs.Validation(op, "end", "end must not be before start")
	}
	return nil
}

var _ Recorder = (*Trail)(nil)
