// Package mesh is the sync transport: a backbone hub accepting peer
// connections and brokering document updates per room, and an edge
// client maintaining resumable connections to one or more peers.
//
// Protocol (subprotocol "ansible.sync.v1"):
//  1. Client opens a WebSocket and sends a hello as a JSON text frame:
//     {"nodeId": "...", "room": "...", "ticket": "..."} (ticket optional
//     when the node is already authorized).
//  2. Server validates the hello, then sends its full document state as
//     a binary frame.
//  3. Client applies it and sends its own full state back.
//  4. Both sides stream incremental updates as binary frames until the
//     connection drops.
package mesh

import (
	"sync"
	"time"
)

// Subprotocol negotiated on every sync connection.
const Subprotocol = "ansible.sync.v1"

// Close codes used on handshake failure.
const (
	wsCloseUnauthorized   = 4001
	wsCloseInvalidRequest = 4002
)

// handshakeTimeout bounds how long a peer may take to send its hello.
const handshakeTimeout = 10 * time.Second

// readLimit caps a single frame; full-state frames can be large.
const readLimit = 64 << 20

// hello is the first frame of every connection.
type hello struct {
	NodeID string `json:"nodeId"`
	Room   string `json:"room"`
	Ticket string `json:"ticket,omitempty"`
}

// Admitter gates the transport at connection time.
type Admitter interface {
	ConsumeWSTicket(ticket, presentedNodeID string) error
	IsNodeAuthorized(nodeID string) bool
}

// Events fans out sync and doc-ready notifications. One Events instance
// is shared by all transports of a node so docReady fires exactly once
// even with multiple peers.
type Events struct {
	mu        sync.Mutex
	syncFns   []func(ok bool, peer string)
	readyFns  []func()
	readyOnce sync.Once
}

// OnSync registers a handler for sync boundaries. Handlers must be
// idempotent; disconnect/reconnect cycles re-fire the same event.
func (e *Events) OnSync(fn func(ok bool, peer string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncFns = append(e.syncFns, fn)
}

// OnDocReady registers a handler fired exactly once when the document
// is usable.
func (e *Events) OnDocReady(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readyFns = append(e.readyFns, fn)
}

func (e *Events) emitSync(ok bool, peer string) {
	e.mu.Lock()
	fns := make([]func(bool, string), len(e.syncFns))
	copy(fns, e.syncFns)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ok, peer)
	}
}

func (e *Events) emitDocReady() {
	e.readyOnce.Do(func() {
		e.mu.Lock()
		fns := make([]func(), len(e.readyFns))
		copy(fns, e.readyFns)
		e.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// outbox queues outbound updates for one connection. Pushes never
// block the document transaction; the connection's writer goroutine
// drains the queue.
type outbox struct {
	mu      sync.Mutex
	pending [][]byte
	notify  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (o *outbox) push(data []byte) {
	o.mu.Lock()
	o.pending = append(o.pending, data)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.pending
	o.pending = nil
	return batch
}
