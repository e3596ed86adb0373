// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package testinfra

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// WebhookCapture is one captured request.
type WebhookCapture struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// WebhookServer records every request it receives and answers with Status.
type WebhookServer struct {
	server *httptest.Server

	mu       sync.Mutex
	captures []WebhookCapture
	status   int
}

// NewWebhookServer starts a capturing server, closed on test cleanup.
func NewWebhookServer(t *testing.T) *WebhookServer {
	t.Helper()

	ws := &WebhookServer{status: http.StatusOK}
	ws.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()

		ws.mu.Lock()
		ws.captures = append(ws.captures, WebhookCapture{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		status := ws.status
		ws.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(ws.server.Close)
	return ws
}

// URL returns the server base URL.
func (ws *WebhookServer) URL() string { return ws.server.URL }

// SetStatus changes the response code for subsequent requests.
func (ws *WebhookServer) SetStatus(code int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.status = code
}

// Captures returns a copy of every captured request.
func (ws *WebhookServer) Captures() []WebhookCapture {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]WebhookCapture, len(ws.captures))
	copy(out, ws.captures)
	return out
}

// WaitForCaptures polls until n requests arrived or timeout elapsed.
func (ws *WebhookServer) WaitForCaptures(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ws.mu.Lock()
		count := len(ws.captures)
		ws.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
