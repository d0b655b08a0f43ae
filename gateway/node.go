// Package gateway provides a reusable coordination-plane node that can
// be embedded in other binaries. It wires the replicated document,
// sync transport, admission, presence, dispatcher and sweepers from a
// single configuration.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ansiblemesh/ansible/internal/admission"
	"github.com/ansiblemesh/ansible/internal/config"
	"github.com/ansiblemesh/ansible/internal/dispatch"
	"github.com/ansiblemesh/ansible/internal/logging"
	"github.com/ansiblemesh/ansible/internal/mesh"
	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/presence"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/sweep"
	"github.com/ansiblemesh/ansible/internal/tools"
)

// Room is the logical document namespace every node synchronizes on.
const Room = "ansible"

// snapshotDebounce delays the persist after the last document change.
const snapshotDebounce = 5 * time.Second

// Options assembles a Node.
type Options struct {
	Config  *config.Config
	Version string

	// Runtime delivers inbound items into the host runtime. With a nil
	// Runtime (or dispatchIncoming=false) the node replicates state but
	// dispatches nothing.
	Runtime dispatch.Runtime

	// JoinTicket is a single-use transport ticket presented on the
	// first connection to a peer, for nodes that have not joined yet.
	JoinTicket string
}

// Node is one coordination-plane host.
type Node struct {
	cfg     *config.Config
	nodeID  string
	version string

	doc       *state.Doc
	persister *state.Persister
	admission *admission.Admission
	presence  *presence.Presence
	svc       *tools.Service
	events    *mesh.Events

	dispatcher *dispatch.Dispatcher
	hub        *mesh.Hub
	clients    []*mesh.Client

	retention *sweep.Retention
	sla       *sweep.SLA
	locks     *sweep.LockReaper

	server *http.Server
}

// NewNode validates the configuration, loads the snapshot and wires
// every component. Call Run to start.
func NewNode(opts Options) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	nodeID, err := cfg.NodeID()
	if err != nil {
		return nil, err
	}

	doc := state.New(nodeID)
	if err := doc.LoadSnapshot(cfg.DataDir, cfg.SnapshotPath()); err != nil {
		// A damaged snapshot must not brick the node; peers re-seed it.
		slog.Warn("snapshot load failed, starting empty", "path", cfg.SnapshotPath(), "error", err)
	}

	n := &Node{
		cfg:       cfg,
		nodeID:    nodeID,
		version:   opts.Version,
		doc:       doc,
		persister: state.NewPersister(doc, cfg.DataDir, cfg.SnapshotPath(), snapshotDebounce),
		admission: admission.New(doc, nodeID),
		presence:  presence.New(doc, nodeID, opts.Version),
		events:    &mesh.Events{},
	}
	n.svc = tools.New(doc, nodeID, n.presence)

	// Persist on every change, local or remote.
	doc.OnUpdate(func([]byte) { n.persister.Notify() })
	for _, mapName := range state.MapNames {
		doc.Observe(mapName, n.persister.Notify)
	}

	if cfg.DispatchIncoming && opts.Runtime != nil {
		n.dispatcher = dispatch.New(doc, nodeID, opts.Runtime, n.presence.LocalAgents)
		n.events.OnSync(n.dispatcher.OnSync)
	}

	if cfg.Tier == config.TierBackbone {
		n.hub = mesh.NewHub(doc, Room, n.admission, n.events)

		mux := http.NewServeMux()
		mux.Handle("/sync", n.hub.Handler())
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		n.server = &http.Server{
			Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// Both tiers dial out; a backbone only to peers that are not self.
	ticket := opts.JoinTicket
	for _, peer := range cfg.BackbonePeers {
		if cfg.Tier == config.TierBackbone &&
			mesh.IsSelfURL(peer, cfg.ListenHost, cfg.ListenPort, nodeID) {
			slog.Debug("skipping self peer URL", "peer", peer)
			continue
		}
		n.clients = append(n.clients, mesh.NewClient(doc, peer, nodeID, Room, ticket, n.events))
		// The single-use ticket goes to the first peer only.
		ticket = ""
	}

	n.retention = sweep.NewRetention(doc, nodeID, cfg.Tier)
	// The SLA sweeper always runs; the local enabled flag is only the
	// default, and the shared slaSweep* coordination keys override it.
	n.sla = sweep.NewSLA(doc, nodeID, sweep.SLAConfig{
		Enabled:             cfg.SLASweep.Enabled,
		EverySeconds:        cfg.SLASweep.EverySeconds,
		RecordOnly:          cfg.SLASweep.RecordOnly,
		MaxMessagesPerSweep: cfg.SLASweep.MaxMessagesPerSweep,
		FyiAgents:           cfg.SLASweep.FyiAgents,
	})
	if cfg.LockSweep.Enabled {
		n.locks = sweep.NewLockReaper(cfg.SessionDir,
			time.Duration(cfg.LockSweep.StaleSeconds)*time.Second)
	}

	return n, nil
}

// NodeID returns the effective node identity.
func (n *Node) NodeID() string { return n.nodeID }

// Doc exposes the replicated document.
func (n *Node) Doc() *state.Doc { return n.doc }

// Admission exposes the admission operations.
func (n *Node) Admission() *admission.Admission { return n.admission }

// Tools exposes the tool surface.
func (n *Node) Tools() *tools.Service { return n.svc }

// Events exposes sync/docReady subscription before Run is called.
func (n *Node) Events() *mesh.Events { return n.events }

// ShouldInjectContext reports whether plane context is injected for
// the given agent, per the injectContext configuration.
func (n *Node) ShouldInjectContext(agent string) bool {
	if !n.cfg.InjectContext {
		return false
	}
	if len(n.cfg.InjectContextAgents) == 0 {
		return true
	}
	for _, a := range n.cfg.InjectContextAgents {
		if a == agent {
			return true
		}
	}
	return false
}

// ListenAddr returns the backbone listen address.
func (n *Node) ListenAddr() string {
	host := n.cfg.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, n.cfg.ListenPort)
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in order: listener, transports, loops, final snapshot.
func (n *Node) Run(ctx context.Context) error {
	// A fresh backbone with an empty plane bootstraps itself.
	if n.cfg.Tier == config.TierBackbone && n.doc.Len(state.Nodes) == 0 {
		if err := n.admission.Bootstrap(config.TierBackbone, n.cfg.Capabilities); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		slog.Info("bootstrapped first node", "node", n.nodeID)
	}

	var ln net.Listener
	if n.server != nil {
		var err error
		ln, err = net.Listen("tcp", n.ListenAddr())
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go n.persister.Run(runCtx)
	go n.presence.Start(runCtx)
	go n.presence.RunCleanup(runCtx)
	if n.dispatcher != nil {
		go n.dispatcher.Run(runCtx)
	}
	for _, c := range n.clients {
		go c.Run(runCtx)
	}
	go n.retention.Run(runCtx)
	go n.sla.Run(runCtx)
	if n.locks != nil {
		go n.locks.Run(runCtx, time.Duration(n.cfg.LockSweep.EverySeconds)*time.Second)
	}

	if n.server == nil {
		slog.Info("edge node running", "node", n.nodeID, "peers", len(n.clients))
		<-ctx.Done()
		cancel()
		n.persister.Flush()
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.server.Serve(ln) }()
	n.hub.Start()
	slog.Info("backbone listening", "node", n.nodeID, "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = n.server.Shutdown(shutdownCtx)
	n.hub.Shutdown()
	cancel()
	n.persister.Flush()
	return nil
}
