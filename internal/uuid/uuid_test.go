package uuid

import (
	"testing"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// TestNew verifies generated ids are valid v4 values.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Fatalf("New() = %q, not a valid UUID v4", id)
	}
}

// TestNewUniqueness verifies no collisions across many ids.
func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("New() produced duplicate %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid verifies format checks.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid lower", "550e8400-e29b-41d4-a716-446655440000", true},
		{"valid upper", "550E8400-E29B-41D4-A716-446655440000", true},
		{"version 1", "550e8400-e29b-11d4-a716-446655440000", false},
		{"bad variant", "550e8400-e29b-41d4-c716-446655440000", false},
		{"no dashes", "550e8400e29b41d4a716446655440000", false},
		{"empty", "", false},
		{"garbage", "evt-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.in); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestValidate verifies the error code on bad input.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	err := Validate("not-a-uuid")
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Validate() = %v, want INVALID_INPUT", err)
	}
}

// TestCanonical verifies case folding.
func TestCanonical(t *testing.T) {
	got, err := Canonical("550E8400-E29B-41D4-A716-446655440000")
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if got != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("Canonical() = %q", got)
	}
	if _, err := Canonical("x"); err == nil {
		t.Error("Canonical() should reject invalid input")
	}
}
