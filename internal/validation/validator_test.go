// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/tomtom215/permguard/internal/errs"
)

type sample struct {
	Actor    string `json:"actor_id" validate:"required,max=8"`
	Severity string `json:"severity" validate:"omitempty,oneof=info warning"`
	Limit    int    `json:"limit" validate:"min=1,max=100"`
	IP       string `json:"ip" validate:"omitempty,ip"`
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        sample
		wantField string
		wantMsg   string
	}{
		{"valid", sample{Actor: "u1", Limit: 10}, "", ""},
		{"missing actor", sample{Limit: 10}, "actor_id", "actor_id is required"},
		{"actor too long", sample{Actor: "abcdefghij", Limit: 10}, "actor_id", "at most 8 characters"},
		{"bad severity", sample{Actor: "u1", Severity: "loud", Limit: 10}, "severity", "must be one of: info warning"},
		{"limit zero", sample{Actor: "u1"}, "limit", "limit must be at least 1"},
		{"limit high", sample{Actor: "u1", Limit: 101}, "limit", "limit must be at most 100"},
		{"bad ip", sample{Actor: "u1", Limit: 1, IP: "999.1.1.1"}, "ip", "valid IP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ve := ValidateStruct(&tt.in)
			if tt.wantField == "" {
				if ve != nil {
					t.Fatalf("unexpected error: %v", ve)
				}
				return
			}
			if ve == nil {
				t.Fatal("expected validation error")
			}
			if ve.Fields[0].Field != tt.wantField {
				t.Errorf("field = %q, want %q", ve.Fields[0].Field, tt.wantField)
			}
			if !strings.Contains(ve.Error(), tt.wantMsg) {
				t.Errorf("message %q missing %q", ve.Error(), tt.wantMsg)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	if err := Check("op", &sample{Actor: "u1", Limit: 1}); err != nil {
		t.Fatalf("Check valid: %v", err)
	}

	err := Check("audit.Search", &sample{Limit: 1})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
	if errs.FieldOf(err) != "actor_id" {
		t.Errorf("field = %q", errs.FieldOf(err))
	}
	var ve *RequestValidationError
	if !errors.As(err, &ve) || len(ve.Fields) != 1 {
		t.Errorf("want wrapped RequestValidationError with one field, got %v", err)
	}
}

func TestGetValidatorSingleton(t *testing.T) {
	t.Parallel()

	if GetValidator() != GetValidator() {
		t.Error("validator should be a singleton")
	}
}
