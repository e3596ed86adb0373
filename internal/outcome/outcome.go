// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package outcome distinguishes a fail-open operation that completed normally
// from one that fell back to its safe default after a backend failure.
//
// Fail-open operations (decision cache, anomaly monitor, audit reads) return
// an Outcome alongside their result instead of an error; the caller proceeds
// either way but can observe degradation. Fail-closed operations return
// errors.
package outcome

import "errors"

// ErrDegraded is returned by Err for a degraded outcome.
var ErrDegraded = errors.New("operation degraded to its safe default")

// Outcome reports how a fail-open operation completed.
type Outcome uint8

const (
	// OK means the backing store answered.
	OK Outcome = iota
	// Degraded means the store failed and the safe default was returned.
	Degraded
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// IsDegraded reports whether the safe default was used.
func (o Outcome) IsDegraded() bool { return o == Degraded }

// Err returns ErrDegraded for a degraded outcome and nil otherwise, for
// background tasks that report failures as errors.
func (o Outcome) Err() error {
	if o == Degraded {
		return ErrDegraded
	}
	return nil
}

// Worst returns Degraded if any input is Degraded.
func Worst(outcomes ...Outcome) Outcome {
	for _, o := range outcomes {
		if o == Degraded {
			return Degraded
		}
	}
	return OK
}
