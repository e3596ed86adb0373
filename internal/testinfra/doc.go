// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package testinfra holds shared test fixtures.
//
// WebhookServer captures alert deliveries in unit tests. Under the
// integration build tag, RedisContainer starts a real Redis through
// testcontainers-go for the kvstore backend tests:
//
//	go test -tags integration ./internal/kvstore/...
package testinfra
