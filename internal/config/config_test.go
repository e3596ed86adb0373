// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/tomtom215/permguard/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permguard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Stores.KV.Backend != "memory" {
		t.Errorf("kv backend = %q, want memory", cfg.Stores.KV.Backend)
	}
	if cfg.Cache.Capacity != 10000 || cfg.Cache.DefaultTTL != 5*time.Minute {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Monitor.BruteForceThreshold != 5 || cfg.Monitor.RapidAccessThreshold != 10 {
		t.Errorf("monitor thresholds = %d/%d", cfg.Monitor.BruteForceThreshold, cfg.Monitor.RapidAccessThreshold)
	}
	if got := cfg.BreakerConfig().CallTimeout; got != cfg.Stores.CommandTimeout {
		t.Errorf("BreakerConfig().CallTimeout = %v, want %v", got, cfg.Stores.CommandTimeout)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"PERMGUARD_CACHE__CAPACITY", "cache.capacity"},
		{"PERMGUARD_STORES__KV__REDIS_ADDR", "stores.kv.redis_addr"},
		{"PERMGUARD_MONITOR__WEBHOOK__URL", "monitor.webhook.url"},
		{"LOG_LEVEL", "logging.level"},
		{"REDIS_ADDR", "stores.kv.redis_addr"},
		{"DUCKDB_PATH", "stores.duckdb.path"},
		{"HTTP_PORT", "server.port"},
		{"PATH", ""},
		{"HOME", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
cache:
  capacity: 500
  default_ttl: 2m
session:
  max_age: 8h
monitor:
  brute_force_threshold: 3
  brute_force_window: 10m
server:
  port: 9000
  cors_origins:
    - https://console.example
`)
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("PERMGUARD_CACHE__CAPACITY", "750")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cache.Capacity != 750 {
		t.Errorf("cache.capacity = %d, want env override 750", cfg.Cache.Capacity)
	}
	if cfg.Cache.DefaultTTL != 2*time.Minute {
		t.Errorf("cache.default_ttl = %v, want 2m from file", cfg.Cache.DefaultTTL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Session.MaxAge != 8*time.Hour {
		t.Errorf("session.max_age = %v, want 8h", cfg.Session.MaxAge)
	}
	if cfg.Session.RotationWindow != 15*time.Minute {
		t.Errorf("session.rotation_window = %v, want default 15m", cfg.Session.RotationWindow)
	}
	if cfg.Monitor.BruteForceThreshold != 3 || cfg.Monitor.BruteForceWindow != 10*time.Minute {
		t.Errorf("monitor brute force = %d/%v", cfg.Monitor.BruteForceThreshold, cfg.Monitor.BruteForceWindow)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if !slices.Equal(cfg.Server.CORSOrigins, []string{"https://console.example"}) {
		t.Errorf("server.cors_origins = %v", cfg.Server.CORSOrigins)
	}
}

func TestLoad_CommaSeparatedCORS(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !slices.Equal(cfg.Server.CORSOrigins, want) {
		t.Errorf("cors_origins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("PERMGUARD_CACHE__EVICT_FRACTION", "2")

	_, err := Load()
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("Load() error = %v, want ErrValidation", err)
	}
	if got := errs.FieldOf(err); got != "EvictFraction" {
		t.Errorf("field = %q, want EvictFraction", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown kv backend", func(c *Config) { c.Stores.KV.Backend = "etcd" }, "Backend"},
		{"redis without addr", func(c *Config) { c.Stores.KV.Backend = "redis"; c.Stores.KV.RedisAddr = "" }, "stores.kv.redis_addr"},
		{"badger without path", func(c *Config) { c.Stores.KV.Backend = "badger"; c.Stores.KV.BadgerPath = "" }, "stores.kv.badger_path"},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }, "Capacity"},
		{"evict fraction above one", func(c *Config) { c.Cache.EvictFraction = 1.5 }, "EvictFraction"},
		{"rotation longer than lifetime", func(c *Config) { c.Session.RotationWindow = 48 * time.Hour }, "session.rotation_window"},
		{"webhook without url", func(c *Config) { c.Monitor.Webhook.Enabled = true }, "monitor.webhook.url"},
		{"negative brute force window", func(c *Config) { c.Monitor.BruteForceWindow = -time.Second }, "monitor.brute_force_window"},
		{"rate limit without window", func(c *Config) { c.Server.RateLimitWindow = 0 }, "server.rate_limit_window"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "Port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"missing policy file", func(c *Config) { c.Authz.PolicyPath = "/nonexistent/policy.csv" }, "authz.policy_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, errs.ErrValidation) {
				t.Fatalf("Validate() = %v, want ErrValidation", err)
			}
			if got := errs.FieldOf(err); got != tt.field {
				t.Errorf("field = %q, want %q", got, tt.field)
			}
		})
	}
}
