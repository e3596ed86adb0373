// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/permguard/internal/logging"
)

// ErrRateLimited is returned by Send when the alert is dropped to stay under
// the delivery rate.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Notifier forwards high and critical alerts to an external channel.
type Notifier interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
	Enabled() bool
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	Enabled bool              `koanf:"enabled"`
	URL     string            `koanf:"url" validate:"omitempty,url"`
	Headers map[string]string `koanf:"headers"`
	// RatePerSecond limits deliveries; Burst allows short spikes. Alerts
	// over the limit are dropped, not queued.
	RatePerSecond float64       `koanf:"rate_per_second" validate:"gte=0"`
	Burst         int           `koanf:"burst" validate:"gte=0"`
	Timeout       time.Duration `koanf:"timeout"`
}

// DefaultWebhookConfig returns a disabled notifier limited to 2 deliveries
// per second.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		RatePerSecond: 2,
		Burst:         1,
		Timeout:       10 * time.Second,
	}
}

// WebhookPayload is the JSON body posted for every alert.
type WebhookPayload struct {
	Type      AlertType       `json:"type"`
	Severity  Severity        `json:"severity"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  webhookMetadata `json:"metadata"`
}

type webhookMetadata struct {
	AlertID string          `json:"alert_id"`
	ActorID string          `json:"actor_id"`
	Details json.RawMessage `json:"details,omitempty"`
	Source  string          `json:"source"`
}

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	mu      sync.RWMutex
	url     string
	headers map[string]string
	enabled bool

	limiter *rate.Limiter
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	def := DefaultWebhookConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		headers: headers,
		enabled: cfg.Enabled,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.url != ""
}

// SetEnabled enables or disables delivery.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Send posts the alert, or returns ErrRateLimited without posting when the
// limiter has no token left. A non-2xx response is an error.
func (n *WebhookNotifier) Send(ctx context.Context, alert *Alert) error {
	n.mu.RLock()
	if !n.enabled || n.url == "" {
		n.mu.RUnlock()
		return nil
	}
	url := n.url
	headers := make(map[string]string, len(n.headers))
	for k, v := range n.headers {
		headers[k] = v
	}
	n.mu.RUnlock()

	if !n.limiter.Allow() {
		return ErrRateLimited
	}

	body, err := json.Marshal(WebhookPayload{
		Type:      alert.Type,
		Severity:  alert.Severity,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
		Metadata: webhookMetadata{
			AlertID: alert.ID,
			ActorID: alert.ActorID,
			Details: alert.Details,
			Source:  "permguard",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

func (LogNotifier) Name() string  { return "log" }
func (LogNotifier) Enabled() bool { return true }

func (LogNotifier) Send(ctx context.Context, alert *Alert) error {
	logging.Ctx(ctx).Warn().
		Str("component", "monitor").
		Str("alert_id", alert.ID).
		Str("alert_type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Str("actor", alert.ActorID).
		RawJSON("details", detailsOrEmpty(alert.Details)).
		Msg(alert.Message)
	return nil
}

func detailsOrEmpty(d json.RawMessage) []byte {
	if len(d) == 0 {
		return []byte("{}")
	}
	return d
}
