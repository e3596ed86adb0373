// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package monitor

import (
	"fmt"
	"time"
)

// Evaluation is the input of a rule: the attempt just recorded and the
// actor's attempts since Now minus the longest registered window, oldest
// first, including the current one.
type Evaluation struct {
	Attempt Attempt
	History []Attempt
	Now     time.Time
}

// within returns the history entries no older than window.
func (e *Evaluation) within(window time.Duration) []Attempt {
	since := e.Now.Add(-window)
	for i, a := range e.History {
		if !a.Timestamp.Before(since) {
			return e.History[i:]
		}
	}
	return nil
}

// Finding is an alert a rule wants raised.
type Finding struct {
	Type     AlertType
	Severity Severity
	ActorID  string
	Message  string
	Details  map[string]any
}

// Rule is a pluggable detector evaluated inline on every tracked attempt.
type Rule interface {
	Name() string
	// Window is how far back the rule looks.
	Window() time.Duration
	Evaluate(e *Evaluation) *Finding
}

// BruteForceRule raises a high alert once an actor's failed attempts in the
// trailing window reach the threshold.
type BruteForceRule struct {
	Threshold int
	Span      time.Duration
}

func (r BruteForceRule) Name() string          { return "brute_force" }
func (r BruteForceRule) Window() time.Duration { return r.Span }

func (r BruteForceRule) Evaluate(e *Evaluation) *Finding {
	if e.Attempt.Success {
		return nil
	}
	failures := 0
	ips := map[string]struct{}{}
	for _, a := range e.within(r.Span) {
		if !a.Success {
			failures++
			if a.IPAddress != "" {
				ips[a.IPAddress] = struct{}{}
			}
		}
	}
	if failures < r.Threshold {
		return nil
	}
	return &Finding{
		Type:     AlertBruteForce,
		Severity: SeverityHigh,
		ActorID:  e.Attempt.ActorID,
		Message: fmt.Sprintf("%d failed access attempts by %s within %s",
			failures, e.Attempt.ActorID, r.Span),
		Details: map[string]any{
			"failed_attempts": failures,
			"window_seconds":  int(r.Span.Seconds()),
			"threshold":       r.Threshold,
			"distinct_ips":    len(ips),
			"resource":        e.Attempt.Resource,
		},
	}
}

// RapidAccessRule raises a medium alert when an actor's attempts of any kind
// in the trailing window reach the threshold.
type RapidAccessRule struct {
	Threshold int
	Span      time.Duration
}

func (r RapidAccessRule) Name() string          { return "rapid_access" }
func (r RapidAccessRule) Window() time.Duration { return r.Span }

func (r RapidAccessRule) Evaluate(e *Evaluation) *Finding {
	recent := e.within(r.Span)
	if len(recent) < r.Threshold {
		return nil
	}

	resources := map[string]struct{}{}
	ips := map[string]struct{}{}
	successes := 0
	for _, a := range recent {
		resources[a.Resource] = struct{}{}
		if a.IPAddress != "" {
			ips[a.IPAddress] = struct{}{}
		}
		if a.Success {
			successes++
		}
	}
	ratio := float64(successes) / float64(len(recent))

	return &Finding{
		Type:     AlertUnusualPattern,
		Severity: SeverityMedium,
		ActorID:  e.Attempt.ActorID,
		Message: fmt.Sprintf("%d access attempts by %s within %s across %d resources",
			len(recent), e.Attempt.ActorID, r.Span, len(resources)),
		Details: map[string]any{
			"attempts":           len(recent),
			"window_seconds":     int(r.Span.Seconds()),
			"threshold":          r.Threshold,
			"distinct_resources": len(resources),
			"distinct_ips":       len(ips),
			"success_ratio":      ratio,
		},
	}
}
