// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/outcome"
	"github.com/tomtom215/permguard/internal/session"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

func (rt *Router) listEntries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	f, err := auditFilterFromQuery(r.URL.Query())
	if err != nil {
		rw.FromError(err)
		return
	}
	p, err := pageFromQuery(r.URL.Query())
	if err != nil {
		rw.FromError(err)
		return
	}

	res, err := rt.deps.Audit.Search(r.Context(), f, p)
	if err != nil {
		rw.FromError(err)
		return
	}
	if p.Limit == 0 {
		p.Limit = audit.DefaultPageLimit
	}
	rw.SuccessWithPagination(res.Entries, res.Outcome, &PaginationMeta{
		Total:   res.Total,
		Count:   len(res.Entries),
		Offset:  p.Offset,
		Limit:   p.Limit,
		HasMore: int64(p.Offset+len(res.Entries)) < res.Total,
	})
}

func (rt *Router) getEntry(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	e, err := rt.deps.Audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.FromError(err)
		return
	}
	rw.Success(e, outcome.OK)
}

func (rt *Router) auditStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	f, err := auditFilterFromQuery(r.URL.Query())
	if err != nil {
		rw.FromError(err)
		return
	}
	st, err := rt.deps.Audit.Stats(r.Context(), f)
	if err != nil {
		rw.FromError(err)
		return
	}
	rw.Success(st, st.Outcome)
}

// exportEntries buffers the export so a store failure can still be
// reported with a proper status instead of a truncated body.
func (rt *Router) exportEntries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		rw.FromError(err)
		return
	}
	f, err := auditFilterFromQuery(r.URL.Query())
	if err != nil {
		rw.FromError(err)
		return
	}

	var buf bytes.Buffer
	n, err := rt.deps.Audit.Export(r.Context(), f, format, &buf)
	if err != nil {
		rw.FromError(err)
		return
	}

	name := fmt.Sprintf("audit-%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Export-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("export write aborted")
	}
}

func (rt *Router) listAlerts(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	f, err := alertFilterFromQuery(r.URL.Query())
	if err != nil {
		rw.FromError(err)
		return
	}
	list, err := rt.deps.Alerts.Alerts(r.Context(), f)
	if err != nil {
		rw.FromError(err)
		return
	}
	rw.Success(list.Alerts, list.Outcome)
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid     bool           `json:"valid"`
	ActorID   string         `json:"actor_id,omitempty"`
	Reason    session.Reason `json:"reason"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

func (rt *Router) verifySession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req verifyRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if req.Token == "" {
		rw.BadRequest("token is required", "token")
		return
	}

	v, err := rt.deps.Sessions.VerifyToken(r.Context(), req.Token)
	if err != nil {
		rw.FromError(err)
		return
	}
	resp := verifyResponse{Valid: v.Valid, ActorID: v.ActorID, Reason: v.Reason}
	if v.Token != nil {
		resp.ExpiresAt = &v.Token.ExpiresAt
	}
	rw.Success(resp, outcome.OK)
}

type revokeAllRequest struct {
	ActorID string `json:"actor_id"`
}

func (rt *Router) revokeAll(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req revokeAllRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if req.ActorID == "" {
		rw.BadRequest("actor_id is required", "actor_id")
		return
	}
	if err := rt.deps.Sessions.InvalidateAllSessions(r.Context(), req.ActorID); err != nil {
		rw.FromError(err)
		return
	}
	rw.Success(map[string]string{"actor_id": req.ActorID, "status": "revoked"}, outcome.OK)
}

func decodeBody(rw *ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw.w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		rw.BadRequest("malformed JSON body", "")
		return false
	}
	return true
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// health runs every check with a short deadline; any failure turns the
// report into 503.
func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok", Checks: make(map[string]string, len(rt.deps.Health))}
	for name, check := range rt.deps.Health {
		if err := check(ctx); err != nil {
			rep.Status = "degraded"
			rep.Checks[name] = err.Error()
			continue
		}
		rep.Checks[name] = "ok"
	}

	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	rw := NewResponseWriter(w, r)
	rw.writeJSON(status, Response{Success: status == http.StatusOK, Data: rep, Meta: rw.meta()})
}
