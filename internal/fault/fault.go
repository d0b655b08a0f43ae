// Package fault defines the typed error kinds shared by the admission
// layer, the dispatcher and the tool surface. Every user-facing
// operation either returns a typed result or a single-field
// {"error": <kind or message>} envelope built from one of these.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind enumerates the error kinds of the coordination plane.
type Kind string

const (
	NotInitialized       Kind = "not_initialized"
	NotAuthorized        Kind = "not_authorized"
	InvalidParams        Kind = "invalid_params"
	InvalidToken         Kind = "invalid_token"
	ExpiredToken         Kind = "expired_token"
	NodeMismatch         Kind = "node_mismatch"
	InviteUsed           Kind = "invite_used"
	InvalidTicket        Kind = "invalid_ticket"
	ExpiredTicket        Kind = "expired_ticket"
	TicketAlreadyUsed    Kind = "ticket_already_used"
	TicketNodeMismatch   Kind = "ticket_node_mismatch"
	NotFound             Kind = "not_found"
	Ambiguous            Kind = "ambiguous"
	InvalidState         Kind = "invalid_state"
	TransportUnavailable Kind = "transport_unavailable"
	Retryable            Kind = "retryable"
	QuotaExceeded        Kind = "quota_exceeded"
	PathTraversal        Kind = "path_traversal"
)

// Error is a typed error carrying one of the enumerated kinds plus a
// human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is makes errors.Is match on kind: errors.Is(err, fault.New(fault.NotFound, ""))
// is true for any not_found error.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Kind == fe.Kind
	}
	return false
}

// New returns a typed error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf returns a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf extracts the kind from an error, or "" if it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Envelope is the single-field error envelope returned by tool
// operations that fail.
type Envelope struct {
	Error string `json:"error"`
}

// ToEnvelope converts an error to its wire envelope. Typed errors
// report their kind; untyped errors report their message.
func ToEnvelope(err error) Envelope {
	if k := KindOf(err); k != "" {
		return Envelope{Error: string(k)}
	}
	return Envelope{Error: err.Error()}
}

// MarshalEnvelope renders the envelope as JSON. Errors from the
// marshaller itself are impossible for this shape.
func MarshalEnvelope(err error) []byte {
	b, _ := json.Marshal(ToEnvelope(err))
	return b
}
