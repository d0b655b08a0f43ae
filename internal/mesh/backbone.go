package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/state"
)

// Hub is the backbone side of the transport: it accepts peer
// connections, applies their updates and re-broadcasts every update to
// all other connected peers in the room.
type Hub struct {
	doc      *state.Doc
	room     string
	admitter Admitter
	events   *Events

	shutdownCh chan struct{}
	shutdown   sync.Once

	mu    sync.Mutex
	peers map[*peerConn]bool
}

// peerConn is one accepted connection.
type peerConn struct {
	conn   *websocket.Conn
	nodeID string
	out    *outbox
}

// NewHub creates the broker and hooks it to the document so every
// locally-produced update is broadcast to all connected peers.
func NewHub(doc *state.Doc, room string, admitter Admitter, events *Events) *Hub {
	h := &Hub{
		doc:        doc,
		room:       room,
		admitter:   admitter,
		events:     events,
		shutdownCh: make(chan struct{}),
		peers:      make(map[*peerConn]bool),
	}
	doc.OnUpdate(func(data []byte) {
		h.broadcast(data, nil)
	})
	return h
}

// Start marks the document usable. The backbone is authoritative, so
// the sync boundary fires immediately with peer "local".
func (h *Hub) Start() {
	h.events.emitDocReady()
	h.events.emitSync(true, "local")
}

// Shutdown stops accepting new connections and closes the open ones.
// Safe to call multiple times.
func (h *Hub) Shutdown() {
	h.shutdown.Do(func() { close(h.shutdownCh) })
	h.mu.Lock()
	peers := make([]*peerConn, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// Handler serves the sync protocol over WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.shutdownCh:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			slog.Debug("sync: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(readLimit)

		ctx := r.Context()

		peer, err := h.handshake(ctx, conn)
		if err != nil {
			slog.Warn("sync: handshake rejected", "error", err)
			return
		}

		metrics.PeersConnected.Inc()
		defer metrics.PeersConnected.Dec()
		slog.Info("peer connected", "node", peer.nodeID, "room", h.room)

		h.addPeer(peer)
		defer h.removePeer(peer)

		writeCtx, cancelWrite := context.WithCancel(ctx)
		defer cancelWrite()
		go peer.writeLoop(writeCtx)

		h.readLoop(ctx, peer)
		slog.Info("peer disconnected", "node", peer.nodeID)
	})
}

// handshake reads and validates the hello frame, then sends the full
// document state. A nil error means the peer is admitted.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*peerConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, data, err := conn.Read(hsCtx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		_ = conn.Close(wsCloseInvalidRequest, "expected text frame for hello")
		return nil, errInvalidHello
	}

	var hi hello
	if err := json.Unmarshal(data, &hi); err != nil || hi.NodeID == "" {
		_ = conn.Close(wsCloseInvalidRequest, "invalid hello")
		return nil, errInvalidHello
	}
	if hi.Room != "" && hi.Room != h.room {
		_ = conn.Close(wsCloseInvalidRequest, "room mismatch")
		return nil, errRoomMismatch
	}

	if hi.Ticket != "" {
		if err := h.admitter.ConsumeWSTicket(hi.Ticket, hi.NodeID); err != nil {
			_ = conn.Close(wsCloseUnauthorized, "unauthorized")
			return nil, err
		}
	} else if !h.admitter.IsNodeAuthorized(hi.NodeID) {
		_ = conn.Close(wsCloseUnauthorized, "unauthorized")
		return nil, errUnauthorized
	}

	if err := conn.Write(hsCtx, websocket.MessageBinary, h.doc.EncodeState()); err != nil {
		return nil, err
	}
	return &peerConn{conn: conn, nodeID: hi.NodeID, out: newOutbox()}, nil
}

// readLoop applies every inbound update and relays it to the other
// peers. Protocol errors from the remote are logged, not fatal to the
// hub.
func (h *Hub) readLoop(ctx context.Context, peer *peerConn) {
	for {
		typ, data, err := peer.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := h.doc.ApplyUpdate(data); err != nil {
			slog.Warn("sync: bad update from peer", "node", peer.nodeID, "error", err)
			continue
		}
		metrics.SyncUpdatesTotal.WithLabelValues("in").Inc()
		h.broadcast(data, peer)
	}
}

// broadcast queues an update on every connected peer except the origin.
func (h *Hub) broadcast(data []byte, except *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if p == except {
			continue
		}
		p.out.push(data)
	}
}

func (h *Hub) addPeer(p *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = true
}

func (h *Hub) removePeer(p *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

// writeLoop drains the peer's outbox until the connection context ends.
func (p *peerConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.out.notify:
			for _, data := range p.out.drain() {
				if err := p.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					return
				}
				metrics.SyncUpdatesTotal.WithLabelValues("out").Inc()
			}
		}
	}
}
