// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/permguard/internal/logging"
)

// TickerService runs a task on a fixed interval until its context is
// canceled. A failing tick is logged and the loop continues; only
// cancellation ends Serve.
//
//	svc := services.NewTickerService("monitor-sweep", time.Minute, func(ctx context.Context) error {
//	    return mon.Sweep(ctx).Err()
//	})
//	tree.AddMonitoringService(svc)
type TickerService struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
}

// NewTickerService creates a ticker service. A non-positive interval is
// treated as one minute.
func NewTickerService(name string, interval time.Duration, task func(ctx context.Context) error) *TickerService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickerService{name: name, interval: interval, task: task}
}

// Serve implements suture.Service.
func (s *TickerService) Serve(ctx context.Context) error {
	log := logging.WithComponent("supervisor")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.run(ctx); err != nil {
				log.Warn().Err(err).Str("service", s.name).Msg("background task failed")
			}
		}
	}
}

// run isolates a panicking task so the ticker survives it.
func (s *TickerService) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return s.task(ctx)
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *TickerService) String() string { return s.name }
