// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package config loads Permguard configuration.
//
// Sources are layered with koanf, later layers winning:
//
//  1. Defaults built from each component's DefaultConfig
//  2. An optional YAML file (CONFIG_PATH, or the first of DefaultConfigPaths)
//  3. Environment variables
//
// Any key can be set through the environment with the PERMGUARD_ prefix and
// a double underscore between sections:
//
//	PERMGUARD_CACHE__CAPACITY=50000        -> cache.capacity
//	PERMGUARD_STORES__KV__BACKEND=redis    -> stores.kv.backend
//	PERMGUARD_MONITOR__WEBHOOK__URL=https://hooks.example/alerts
//
// A handful of short names common to container deployments (LOG_LEVEL,
// HTTP_PORT, REDIS_ADDR, DUCKDB_PATH, ...) are mapped as well.
package config

import (
	"time"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/authz"
	"github.com/tomtom215/permguard/internal/database"
	"github.com/tomtom215/permguard/internal/decision"
	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/monitor"
	"github.com/tomtom215/permguard/internal/resilience"
	"github.com/tomtom215/permguard/internal/session"
	"github.com/tomtom215/permguard/internal/supervisor"
)

// Config is the complete process configuration.
type Config struct {
	Logging    logging.Config        `koanf:"logging"`
	Server     ServerConfig          `koanf:"server"`
	Stores     StoresConfig          `koanf:"stores"`
	Cache      decision.Config       `koanf:"cache"`
	Session    session.Config        `koanf:"session"`
	Audit      audit.Config          `koanf:"audit"`
	Monitor    monitor.Config        `koanf:"monitor"`
	Authz      authz.Config          `koanf:"authz"`
	Supervisor supervisor.TreeConfig `koanf:"supervisor"`
}

// ServerConfig configures the ops HTTP API.
type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"gte=1,lte=65535"`

	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// RateLimitRequests per RateLimitWindow per client IP. Zero disables it.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// StoresConfig groups the backing stores.
type StoresConfig struct {
	KV     kvstore.Config  `koanf:"kv"`
	DuckDB database.Config `koanf:"duckdb"`

	// CommandTimeout bounds every store call made through a circuit breaker.
	CommandTimeout time.Duration     `koanf:"command_timeout" validate:"gt=0"`
	Breaker        resilience.Config `koanf:"breaker"`
}

// Default returns the built-in configuration.
func Default() *Config {
	breaker := resilience.DefaultConfig()
	return &Config{
		Logging: logging.Config{Level: "info", Format: "json"},
		Server: ServerConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              8470,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
			CORSOrigins:       []string{},
		},
		Stores: StoresConfig{
			KV:             kvstore.DefaultConfig(),
			DuckDB:         database.DefaultConfig(),
			CommandTimeout: breaker.CallTimeout,
			Breaker:        breaker,
		},
		Cache:      decision.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Audit:      audit.DefaultConfig(),
		Monitor:    monitor.DefaultConfig(),
		Authz:      authz.DefaultConfig(),
		Supervisor: supervisor.DefaultTreeConfig(),
	}
}

// BreakerConfig returns the breaker settings with CommandTimeout applied.
func (c *Config) BreakerConfig() resilience.Config {
	cfg := c.Stores.Breaker
	cfg.CallTimeout = c.Stores.CommandTimeout
	return cfg
}
