// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package logging

import "strings"

// Session tokens and e-mail addresses end up in diagnostic log lines. These
// helpers mask them so that a log shipper never receives a usable credential.

// SanitizeToken masks a token, keeping the first and last 4 characters.
// "dGhpcyBpcyBhIHRva2Vu" -> "dGhp...a2Vu"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeEmail keeps the first two characters of the local part.
// "jane.doe@corp.example" -> "ja***@corp.example"
func SanitizeEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return "***" + domain
	}
	return local[:2] + "***" + domain
}

// SanitizeValue masks value when key names a credential, or when the value
// looks like an e-mail address.
func SanitizeValue(key, value string) string {
	switch strings.ToLower(key) {
	case "token", "access_token", "refresh_token", "session", "session_id",
		"password", "secret", "api_key", "authorization", "cookie":
		return SanitizeToken(value)
	}
	if strings.Contains(value, "@") && strings.Contains(value, ".") {
		return SanitizeEmail(value)
	}
	return value
}
