// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// tokenBytes is the entropy of an issued token.
const tokenBytes = 32

// encodedTokenLen is the base64url (unpadded) length of tokenBytes.
var encodedTokenLen = base64.RawURLEncoding.EncodedLen(tokenBytes)

// ClientInfo describes the client a token was issued to.
type ClientInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Token is the stored metadata of an issued session token.
type Token struct {
	Value          string     `json:"token"`
	ActorID        string     `json:"actor_id"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RotationCount  int        `json:"rotation_count"`
	LastRotationAt *time.Time `json:"last_rotation_at,omitempty"`
	Client         ClientInfo `json:"client"`
}

// Reason explains a failed verification.
type Reason string

const (
	ReasonValid            Reason = "valid"
	ReasonBlacklisted      Reason = "blacklisted"
	ReasonNotFound         Reason = "not_found"
	ReasonExpired          Reason = "expired"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonMalformed        Reason = "malformed"
)

// Verification is the result of VerifyToken.
type Verification struct {
	Valid   bool   `json:"valid"`
	ActorID string `json:"actor_id,omitempty"`
	Reason  Reason `json:"reason"`
	Token   *Token `json:"-"`
}

func generateToken(r io.Reader) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// wellFormed reports whether s could have been produced by generateToken.
func wellFormed(s string) bool {
	if len(s) != encodedTokenLen {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

var defaultRand io.Reader = rand.Reader
