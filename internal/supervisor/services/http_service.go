// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package services adapts Permguard components to suture.Service.
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/logging"
)

// HTTPServer is the part of *http.Server the ops API service drives.
type HTTPServer interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// HTTPServerService binds the ops API listener and serves it under
// supervision. The bind happens inside Serve, so an address already in use
// is a service failure that suture backs off and retries.
//
//	srv := &http.Server{Handler: router.Handler()}
//	tree.AddAPIService(services.NewHTTPServerService("127.0.0.1:8470", srv, 10*time.Second))
type HTTPServerService struct {
	addr            string
	server          HTTPServer
	shutdownTimeout time.Duration
	bound           atomic.Value // string
	log             zerolog.Logger
}

// NewHTTPServerService serves server on addr. A non-positive timeout means 10s.
func NewHTTPServerService(addr string, server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		addr:            addr,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		log:             logging.WithComponent("ops-api"),
	}
}

// Addr is the address currently listened on, or "" between runs. With port 0
// it reports the port the kernel picked.
func (h *HTTPServerService) Addr() string {
	s, _ := h.bound.Load().(string)
	return s
}

// Serve implements suture.Service. It returns ctx.Err() after a clean
// shutdown and a wrapped error when the listener fails.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("ops api listen on %s: %w", h.addr, err)
	}
	h.bound.Store(ln.Addr().String())
	defer h.bound.Store("")
	h.log.Info().Str("addr", ln.Addr().String()).Msg("ops api listening")

	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ln) }()

	select {
	case err := <-done:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops api stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops api shutdown: %w", err)
	}
	<-done
	h.log.Info().Msg("ops api stopped")
	return ctx.Err()
}

func (h *HTTPServerService) String() string { return "ops-api" }
