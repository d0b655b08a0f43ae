// Package validate holds the input validation helpers shared by the
// tool surface and the admission layer: string length limits, snapshot
// path containment and destructive-operation confirmations.
package validate

import (
	"strings"

	"github.com/ansiblemesh/ansible/internal/fault"
)

// Maximum lengths (in bytes) for user-supplied strings.
const (
	MaxTitle       = 200
	MaxDescription = 5000
	MaxMessage     = 10000
	MaxContext     = 5000
	MaxResult      = 5000
)

// Required checks a required string field: non-empty after trimming
// and within the limit.
func Required(field, value string, limit int) error {
	if strings.TrimSpace(value) == "" {
		return fault.Newf(fault.InvalidParams, "%s must not be empty", field)
	}
	return MaxLen(field, value, limit)
}

// MaxLen checks an optional string field against its byte limit.
// The limit is inclusive: a value of exactly limit bytes is accepted.
func MaxLen(field, value string, limit int) error {
	if len(value) > limit {
		return fault.Newf(fault.InvalidParams, "%s exceeds %d characters", field, limit)
	}
	return nil
}

// NodeID checks an opaque node or agent identifier: non-empty, no
// whitespace, no control characters.
func NodeID(field, value string) error {
	if value == "" {
		return fault.Newf(fault.InvalidParams, "%s must not be empty", field)
	}
	for _, r := range value {
		if r <= 0x20 || r == 0x7F {
			return fault.Newf(fault.InvalidParams, "%s contains invalid characters", field)
		}
	}
	return nil
}

// Confirmation checks the literal confirmation string and reason
// required by destructive operations such as delete_messages.
func Confirmation(confirm, expected, reason string) error {
	if confirm != expected {
		return fault.Newf(fault.InvalidParams, "confirmation string must be %q", expected)
	}
	if len(strings.TrimSpace(reason)) < 15 {
		return fault.New(fault.InvalidParams, "reason must be at least 15 characters")
	}
	return nil
}
