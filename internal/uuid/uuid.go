// Package uuid provides UUID v4 generation and validation for event,
// session and resolution identifiers.
package uuid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 in canonical lower-case form.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an INVALID_INPUT error if s is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid UUID v4 format: %q", s)
	}
	return nil
}

// Canonical validates s and returns its lower-case form so that event ids
// received from peers deduplicate regardless of letter case.
func Canonical(s string) (string, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}
