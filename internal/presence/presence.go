// Package presence maintains this node's heartbeat in the pulse map,
// the registry of logical agents, and the per-host message cleanup
// that keeps the shared document bounded.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/validate"
)

// Cadences and retention bounds.
const (
	HeartbeatInterval = 30 * time.Second
	CleanupInterval   = 60 * time.Second
	StaleAfterDefault = 300 * time.Second
	MessageMaxAge     = 24 * time.Hour
	MessageKeepCount  = 50
)

// Node statuses.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Presence drives the heartbeat and cleanup loops for the local node.
type Presence struct {
	doc     *state.Doc
	self    string
	version string
	now     func() time.Time
}

// New creates the presence layer for the local node.
func New(doc *state.Doc, self, version string) *Presence {
	return &Presence{doc: doc, self: self, version: version, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (p *Presence) SetNowFunc(fn func() time.Time) { p.now = fn }

// Start writes the initial online pulse and runs the heartbeat loop
// until ctx is cancelled, then writes the offline pulse.
func (p *Presence) Start(ctx context.Context) {
	p.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Pulse, p.self, map[string]any{
			"status":   StatusOnline,
			"lastSeen": p.now().UnixMilli(),
			"version":  p.version,
		})
	})

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.doc.Transact(func(tx *state.Txn) {
				tx.SetField(state.Pulse, p.self, "status", StatusOffline)
			})
			return
		case <-ticker.C:
			p.Heartbeat()
		}
	}
}

// Heartbeat mutates only the lastSeen field of this node's pulse
// sub-map. Replacing the whole record on every beat would accumulate
// tombstones in the substrate; a field write does not.
func (p *Presence) Heartbeat() {
	p.doc.Transact(func(tx *state.Txn) {
		tx.SetField(state.Pulse, p.self, "lastSeen", p.now().UnixMilli())
	})
}

// EffectiveStatus returns the status to report for a node, downgrading
// to offline whenever the heartbeat is older than staleAfter,
// regardless of the stored status field.
func (p *Presence) EffectiveStatus(nodeID string, staleAfter time.Duration) string {
	lastSeen, _ := p.doc.GetField(state.Pulse, nodeID, "lastSeen")
	statusV, ok := p.doc.GetField(state.Pulse, nodeID, "status")
	status := state.AsString(statusV)
	if !ok || status == "" {
		status = StatusOffline
	}
	if staleAfter <= 0 {
		staleAfter = StaleAfterDefault
	}
	if p.now().UnixMilli()-state.AsInt64(lastSeen) > staleAfter.Milliseconds() {
		return StatusOffline
	}
	return status
}

// RegisterAgent records a logical agent. Internal agents name their
// hosting gateway and are auto-dispatched by it; external agents carry
// a null gateway and are never dispatched.
func (p *Presence) RegisterAgent(agentID, name, agentType, gateway string) error {
	if err := validate.NodeID("agent id", agentID); err != nil {
		return err
	}
	switch agentType {
	case "internal":
		if gateway == "" {
			gateway = p.self
		}
	case "external":
		gateway = ""
	default:
		return fault.Newf(fault.InvalidParams, "agent type must be internal or external, got %q", agentType)
	}

	rec := map[string]any{
		"type":         agentType,
		"registeredAt": p.now().UnixMilli(),
		"registeredBy": p.self,
	}
	if gateway != "" {
		rec["gateway"] = gateway
	} else {
		rec["gateway"] = nil
	}
	if name != "" {
		rec["name"] = name
	}
	p.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Agents, agentID, rec)
	})
	return nil
}

// LocalAgents returns the set of agents dispatched by this host: the
// built-in per-host agent plus every internal agent whose gateway is
// this node, sorted for deterministic iteration.
func (p *Presence) LocalAgents() []string {
	set := map[string]bool{p.self: true}
	for _, agentID := range p.doc.Keys(state.Agents) {
		rec, ok := p.doc.Get(state.Agents, agentID)
		if !ok {
			continue
		}
		if state.AsString(rec["type"]) == "internal" && state.AsString(rec["gateway"]) == p.self {
			set[agentID] = true
		}
	}
	agents := make([]string, 0, len(set))
	for a := range set {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents
}

// RunCleanup runs the message cleanup loop until ctx is cancelled.
func (p *Presence) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := p.CleanupMessages()
			if removed > 0 {
				slog.Debug("message cleanup", "removed", removed)
			}
		}
	}
}

// CleanupMessages deletes messages that are older than 24h or beyond
// the 50-newest cap, preserving only messages still unread by an agent
// on this host. Messages unread elsewhere are not preserved: waiting
// for every node would accumulate state without bound.
func (p *Presence) CleanupMessages() int {
	local := p.LocalAgents()
	now := p.now()
	cutoff := now.Add(-MessageMaxAge).UnixMilli()

	type aged struct {
		id string
		ts int64
	}
	var msgs []aged
	for _, msgID := range p.doc.Keys(state.Messages) {
		rec, ok := p.doc.Get(state.Messages, msgID)
		if !ok {
			continue
		}
		msgs = append(msgs, aged{id: msgID, ts: state.AsInt64(rec["timestamp"])})
	}
	// Newest first; everything past the keep count is a deletion
	// candidate.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ts > msgs[j].ts })

	removed := 0
	p.doc.Transact(func(tx *state.Txn) {
		for i, m := range msgs {
			if m.ts >= cutoff && i < MessageKeepCount {
				continue
			}
			rec, ok := tx.Get(state.Messages, m.id)
			if !ok {
				continue
			}
			if unreadForHost(rec, local) {
				continue
			}
			tx.Delete(state.Messages, m.id)
			removed++
		}
	})
	return removed
}

// unreadForHost reports whether the message is addressed to (or
// broadcast at) a local agent that has not read it yet.
func unreadForHost(msg map[string]any, localAgents []string) bool {
	to := state.AsStringSlice(msg["to_agents"])
	from := state.AsString(msg["from_agent"])
	for _, agent := range localAgents {
		if agent == from {
			continue
		}
		if len(to) > 0 && !contains(to, agent) {
			continue
		}
		if !state.Contains(msg["readBy_agents"], agent) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
