// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package config

import (
	"os"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/validation"
)

const validateOp = "config.Validate"

// Validate applies the struct tag constraints, then the rules that span
// more than one field.
func (c *Config) Validate() error {
	if err := validation.Check(validateOp, c); err != nil {
		return err
	}
	if err := c.validateStores(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateMonitor(); err != nil {
		return err
	}
	return c.validateAuthz()
}

func (c *Config) validateStores() error {
	kv := c.Stores.KV
	switch kv.Backend {
	case "badger":
		if !kv.BadgerInMemory && kv.BadgerPath == "" {
			return errs.Validation(validateOp, "stores.kv.badger_path", "required when backend is badger")
		}
	case "redis":
		if kv.RedisAddr == "" {
			return errs.Validation(validateOp, "stores.kv.redis_addr", "required when backend is redis")
		}
	}
	if kv.DialTimeout < 0 {
		return errs.Validation(validateOp, "stores.kv.dial_timeout", "must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		return errs.Validation(validateOp, "server.rate_limit_window", "must be positive when rate limiting is on")
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.RotationWindow > c.Session.MaxAge {
		return errs.Validation(validateOp, "session.rotation_window", "must not exceed session.max_age (%s)", c.Session.MaxAge)
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := c.Monitor
	for field, d := range map[string]int64{
		"monitor.brute_force_window":  int64(m.BruteForceWindow),
		"monitor.rapid_access_window": int64(m.RapidAccessWindow),
		"monitor.attempt_retention":   int64(m.AttemptRetention),
		"monitor.active_alert_window": int64(m.ActiveAlertWindow),
		"monitor.sweep_interval":      int64(m.SweepInterval),
	} {
		if d < 0 {
			return errs.Validation(validateOp, field, "must not be negative")
		}
	}
	if m.Webhook.Enabled && m.Webhook.URL == "" {
		return errs.Validation(validateOp, "monitor.webhook.url", "required when the webhook is enabled")
	}
	return nil
}

func (c *Config) validateAuthz() error {
	for field, path := range map[string]string{
		"authz.model_path":  c.Authz.ModelPath,
		"authz.policy_path": c.Authz.PolicyPath,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return errs.Validation(validateOp, field, "%v", err)
		}
	}
	return nil
}
