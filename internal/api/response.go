// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/outcome"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Error describes a failed request.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Meta carries request metadata.
type Meta struct {
	RequestID  string          `json:"request_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMs int64           `json:"duration_ms"`
	Degraded   bool            `json:"degraded,omitempty"`
	Pagination *PaginationMeta `json:"pagination,omitempty"`
}

// PaginationMeta describes an offset page.
type PaginationMeta struct {
	Total   int64 `json:"total"`
	Count   int   `json:"count"`
	Offset  int   `json:"offset"`
	Limit   int   `json:"limit"`
	HasMore bool  `json:"has_more"`
}

// Error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
)

// ResponseWriter writes envelopes for one request.
type ResponseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

// NewResponseWriter starts the request timer.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, startTime: time.Now()}
}

func (rw *ResponseWriter) meta() *Meta {
	return &Meta{
		RequestID:  logging.RequestIDFromContext(rw.r.Context()),
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(rw.startTime).Milliseconds(),
	}
}

// Success writes data with 200. A Degraded outcome is flagged in meta.
func (rw *ResponseWriter) Success(data any, out outcome.Outcome) {
	rw.SuccessWithPagination(data, out, nil)
}

// SuccessWithPagination writes data and page metadata with 200.
func (rw *ResponseWriter) SuccessWithPagination(data any, out outcome.Outcome, p *PaginationMeta) {
	meta := rw.meta()
	meta.Degraded = out == outcome.Degraded
	meta.Pagination = p
	rw.writeJSON(http.StatusOK, Response{Success: true, Data: data, Meta: meta})
}

// Fail writes an error envelope.
func (rw *ResponseWriter) Fail(status int, code, message, field string) {
	meta := rw.meta()
	rw.writeJSON(status, Response{
		Error: &Error{Code: code, Message: message, Field: field, RequestID: meta.RequestID},
		Meta:  meta,
	})
}

// BadRequest writes 400.
func (rw *ResponseWriter) BadRequest(message, field string) {
	rw.Fail(http.StatusBadRequest, ErrCodeBadRequest, message, field)
}

// Unauthorized writes 401 with a bearer challenge.
func (rw *ResponseWriter) Unauthorized(message string) {
	rw.w.Header().Set("WWW-Authenticate", `Bearer realm="permguard"`)
	rw.Fail(http.StatusUnauthorized, ErrCodeUnauthorized, message, "")
}

// Forbidden writes 403.
func (rw *ResponseWriter) Forbidden(message string) {
	rw.Fail(http.StatusForbidden, ErrCodeForbidden, message, "")
}

// FromError maps the errs taxonomy onto HTTP statuses. Internal details of
// store failures are logged, not returned.
func (rw *ResponseWriter) FromError(err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		rw.Fail(http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), errs.FieldOf(err))
	case errors.Is(err, errs.ErrNotFound):
		rw.Fail(http.StatusNotFound, ErrCodeNotFound, "resource not found", "")
	case errors.Is(err, errs.ErrStoreUnavailable):
		logging.Ctx(rw.r.Context()).Warn().Err(err).Str("path", rw.r.URL.Path).Msg("store unavailable")
		rw.Fail(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "backing store unavailable", "")
	default:
		logging.Ctx(rw.r.Context()).Error().Err(err).Str("path", rw.r.URL.Path).Msg("request failed")
		rw.Fail(http.StatusInternalServerError, ErrCodeInternalError, "internal error", "")
	}
}

func (rw *ResponseWriter) writeJSON(status int, v any) {
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(status)
	if err := json.NewEncoder(rw.w).Encode(v); err != nil {
		logging.Ctx(rw.r.Context()).Error().Err(err).Msg("failed to encode JSON response")
	}
}
