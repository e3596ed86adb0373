// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package api

import (
	"net/url"
	"strconv"
	"time"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/monitor"
)

const queryOp = "api.query"

// auditFilterFromQuery reads repeatable category, severity, status, resource
// and actor_id parameters plus action and RFC3339 start/end.
func auditFilterFromQuery(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Categories: stringsAs[audit.Category](q["category"]),
		Severities: stringsAs[audit.Severity](q["severity"]),
		Statuses:   stringsAs[audit.Status](q["status"]),
		Resources:  q["resource"],
		ActorIDs:   q["actor_id"],
		Action:     q.Get("action"),
	}
	var err error
	if f.Start, err = timeParam(q, "start"); err != nil {
		return audit.Filter{}, err
	}
	if f.End, err = timeParam(q, "end"); err != nil {
		return audit.Filter{}, err
	}
	return f, nil
}

func pageFromQuery(q url.Values) (audit.Page, error) {
	limit, err := intParam(q, "limit")
	if err != nil {
		return audit.Page{}, err
	}
	offset, err := intParam(q, "offset")
	if err != nil {
		return audit.Page{}, err
	}
	return audit.Page{Limit: limit, Offset: offset}, nil
}

func alertFilterFromQuery(q url.Values) (monitor.AlertFilter, error) {
	f := monitor.AlertFilter{
		Types:      stringsAs[monitor.AlertType](q["type"]),
		Severities: stringsAs[monitor.Severity](q["severity"]),
		ActorID:    q.Get("actor_id"),
	}
	var err error
	if f.Since, err = timeParam(q, "since"); err != nil {
		return monitor.AlertFilter{}, err
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return monitor.AlertFilter{}, err
	}
	return f, nil
}

func stringsAs[T ~string](in []string) []T {
	if len(in) == 0 {
		return nil
	}
	out := make([]T, len(in))
	for i, s := range in {
		out[i] = T(s)
	}
	return out
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errs.Validation(queryOp, name, "%s must be an RFC3339 timestamp", name)
	}
	return &t, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Validation(queryOp, name, "%s must be an integer", name)
	}
	return n, nil
}
