// Package dispatch reconciles the replicated state against the host
// runtime: every inbound message and assigned task destined for a
// locally-hosted agent is delivered at least once, in deterministic
// order, with idempotent delivery records and bounded retry.
package dispatch

import (
	"context"
	"fmt"
)

// Item kinds.
const (
	KindMessage = "msg"
	KindTask    = "task"
)

// Surface names the inbound channel in session keys and envelopes.
const Surface = "ansible"

// Header carries the envelope fields the runtime prepends to a
// formatted body.
type Header struct {
	From      string
	To        string
	Timestamp int64
}

// Envelope is a normalized inbound item handed to the runtime.
type Envelope struct {
	Surface   string
	Kind      string
	ID        string
	From      string
	To        string
	Body      string
	Timestamp int64
	Metadata  map[string]any
}

// Context is whatever the runtime consumes for one agent turn. The
// dispatcher treats it as opaque.
type Context map[string]any

// ReplyPayload is one deliver-callback invocation from the runtime.
// Only the final invocation is written back as a reply message.
type ReplyPayload struct {
	Text  string
	Final bool
}

// ReplyRequest asks the runtime to run an agent turn and stream its
// output through Deliver.
type ReplyRequest struct {
	Context Context
	Deliver func(ReplyPayload) error
}

// Runtime is the host-runtime capability contract, the only surface
// the dispatcher uses. Implementations live outside the core.
type Runtime interface {
	// Format adds the channel/sender/timestamp envelope to a body.
	Format(h Header, body string) string

	// BuildInboundContext normalizes an inbound envelope into whatever
	// the runtime consumes.
	BuildInboundContext(env Envelope) (Context, error)

	// RecordInboundSession is a best-effort hook; failures are logged
	// and do not abort dispatch.
	RecordInboundSession(sessionKey string, c Context) error

	// DispatchReply runs the agent turn. Any error is retryable.
	DispatchReply(ctx context.Context, req ReplyRequest) error
}

// SessionKey is the stable per-item session identifier:
// agent:<target>:<surface>:<kind>:<itemID>.
func SessionKey(target, kind, itemID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", target, Surface, kind, itemID)
}
