// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package decision

import "strings"

// KeyPrefix namespaces decision entries in the shared key-value store.
const KeyPrefix = "authz:"

var (
	keyEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	keyUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// Key builds authz:{actor}:{resource}:{action}. Components are escaped so
// that an actor id containing ':' cannot fall under another actor's prefix.
func Key(actorID, resource, action string) string {
	return KeyPrefix + keyEscaper.Replace(actorID) + ":" + keyEscaper.Replace(resource) + ":" + keyEscaper.Replace(action)
}

// scope is the target of an invalidation. Empty fields are wildcards.
type scope struct {
	actor, resource, action string
}

// prefix is the longest key prefix shared by every key in the scope.
func (s scope) prefix() string {
	if s.actor == "" {
		return KeyPrefix
	}
	p := KeyPrefix + keyEscaper.Replace(s.actor) + ":"
	if s.resource == "" {
		return p
	}
	return p + keyEscaper.Replace(s.resource) + ":"
}

// exact reports whether the scope names a single key.
func (s scope) exact() bool {
	return s.actor != "" && s.resource != "" && s.action != ""
}

// prefixOnly reports whether every key under prefix() is in scope, which
// holds when no wildcard precedes a concrete field.
func (s scope) prefixOnly() bool {
	switch {
	case s.actor == "":
		return s.resource == "" && s.action == ""
	case s.resource == "":
		return s.action == ""
	default:
		return true
	}
}

func (s scope) matches(key string) bool {
	actor, resource, action, ok := parseKey(key)
	if !ok {
		return false
	}
	return (s.actor == "" || s.actor == actor) &&
		(s.resource == "" || s.resource == resource) &&
		(s.action == "" || s.action == action)
}

func parseKey(key string) (actor, resource, action string, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return keyUnescaper.Replace(parts[0]), keyUnescaper.Replace(parts[1]), keyUnescaper.Replace(parts[2]), true
}
