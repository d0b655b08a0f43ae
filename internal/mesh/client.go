package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/state"
)

var (
	errInvalidHello = errors.New("invalid hello frame")
	errRoomMismatch = errors.New("room mismatch")
	errUnauthorized = errors.New("unauthorized")
)

// resetThreshold is the connection duration after which the reconnect
// backoff resets.
const resetThreshold = 30 * time.Second

// pingInterval keeps an otherwise idle connection alive.
const pingInterval = 15 * time.Second

// Client maintains one resumable connection to a peer. On every
// successful initial exchange it emits sync(true, peer); the shared
// Events instance fires docReady on the first one.
type Client struct {
	doc     *state.Doc
	peerURL string
	nodeID  string
	room    string
	events  *Events

	// ticket is presented on the next dial only; it is single-use and
	// cleared after the first successful handshake.
	ticket string

	out *outbox
}

// NewClient creates a client for one peer URL and hooks it to the
// document so locally-produced updates are forwarded.
func NewClient(doc *state.Doc, peerURL, nodeID, room, ticket string, events *Events) *Client {
	c := &Client{
		doc:     doc,
		peerURL: peerURL,
		nodeID:  nodeID,
		room:    room,
		ticket:  ticket,
		events:  events,
		out:     newOutbox(),
	}
	doc.OnUpdate(c.out.push)
	return c
}

// Run connects with automatic reconnection until ctx is cancelled.
// Backoff starts at 1s and doubles up to 60s with ±20% jitter; a
// connection lasting longer than resetThreshold resets it.
func (c *Client) Run(ctx context.Context) {
	bo := newDialBackoff()
	for {
		start := time.Now()
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(start) >= resetThreshold {
			bo.Reset()
		}
		interval := bo.NextBackOff()
		slog.Warn("disconnected from peer, reconnecting", "peer", c.peerURL, "error", err, "backoff", interval)
		c.events.emitSync(false, c.peerURL)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// connect dials the peer, performs the initial state exchange and then
// relays updates in both directions until the connection drops.
func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.peerURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(readLimit)

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}

	metrics.PeersConnected.Inc()
	defer metrics.PeersConnected.Dec()
	slog.Info("connected to peer", "peer", c.peerURL, "room", c.room)

	c.events.emitDocReady()
	c.events.emitSync(true, c.peerURL)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(connCtx, conn)
	go pingLoop(connCtx, conn)

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := c.doc.ApplyUpdate(data); err != nil {
			slog.Warn("sync: bad update from peer", "peer", c.peerURL, "error", err)
			continue
		}
		metrics.SyncUpdatesTotal.WithLabelValues("in").Inc()
	}
}

// handshake sends the hello, applies the server's full state and sends
// our own full state back. The ticket is cleared once it has bought a
// successful admission.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	hi, err := json.Marshal(hello{NodeID: c.nodeID, Room: c.room, Ticket: c.ticket})
	if err != nil {
		return err
	}
	if err := conn.Write(hsCtx, websocket.MessageText, hi); err != nil {
		return err
	}

	typ, data, err := conn.Read(hsCtx)
	if err != nil {
		return err
	}
	if typ != websocket.MessageBinary {
		return errInvalidHello
	}
	if err := c.doc.ApplyUpdate(data); err != nil {
		return err
	}
	c.ticket = ""

	// Flush anything queued while offline; the full state supersedes it.
	c.out.drain()
	return conn.Write(hsCtx, websocket.MessageBinary, c.doc.EncodeState())
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.out.notify:
			for _, data := range c.out.drain() {
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					return
				}
				metrics.SyncUpdatesTotal.WithLabelValues("out").Inc()
			}
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

// newDialBackoff mirrors the reconnect policy used across the mesh:
// 1s initial, 60s cap, 2x multiplier, ±20% jitter.
func newDialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
