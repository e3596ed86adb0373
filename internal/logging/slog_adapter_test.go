// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSlogToZerologLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   slog.Level
		want zerolog.Level
	}{
		{slog.LevelDebug - 4, zerolog.TraceLevel},
		{slog.LevelDebug, zerolog.DebugLevel},
		{slog.LevelInfo, zerolog.InfoLevel},
		{slog.LevelWarn, zerolog.WarnLevel},
		{slog.LevelError, zerolog.ErrorLevel},
		{slog.LevelError + 4, zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		if got := slogToZerologLevel(tt.in); got != tt.want {
			t.Errorf("slogToZerologLevel(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSlogHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSlogHandlerWithLogger(NewTestLogger(&buf)))

	logger.Info("service restarted",
		slog.String("service", "cache-sweeper"),
		slog.Int("attempt", 2),
		slog.Bool("backoff", true),
		slog.Duration("delay", time.Second),
	)

	out := buf.String()
	for _, want := range []string{
		`"message":"service restarted"`,
		`"service":"cache-sweeper"`,
		`"attempt":2`,
		`"backoff":true`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}

func TestSlogHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewSlogHandlerWithLogger(NewTestLogger(&buf)).
		WithAttrs([]slog.Attr{slog.String("tree", "permguard")}).
		WithGroup("supervisor")

	slog.New(h).Warn("backoff", slog.String("layer", "storage"))

	out := buf.String()
	if !strings.Contains(out, `"supervisor.tree":"permguard"`) {
		t.Errorf("grouped pre-set attr missing: %s", out)
	}
	if !strings.Contains(out, `"supervisor.layer":"storage"`) {
		t.Errorf("grouped record attr missing: %s", out)
	}
}

func TestSlogHandler_WithGroupEmpty(t *testing.T) {
	t.Parallel()

	h := NewSlogHandlerWithLogger(zerolog.Nop())
	if h.WithGroup("") != h {
		t.Error("empty group should return the same handler")
	}
}

func TestSlogHandler_Enabled(t *testing.T) {
	t.Parallel()

	h := NewSlogHandlerWithLogger(zerolog.New(nil).Level(zerolog.WarnLevel))
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled for a warn logger")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled for a warn logger")
	}
}

func TestAddAttr_NestedGroup(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewSlogHandlerWithLogger(NewTestLogger(&buf))).Info("x",
		slog.Group("store", slog.String("kind", "badger"), slog.Int("shards", 4)))

	out := buf.String()
	if !strings.Contains(out, `"store.kind":"badger"`) || !strings.Contains(out, `"store.shards":4`) {
		t.Errorf("nested group attrs missing: %s", out)
	}
}
