// Package admission governs who may write to the replicated state:
// first-node bootstrap, node-bound single-use invite tokens, the
// short-lived websocket tickets derived from them, and revocation.
//
// Every validation failure maps to one of the typed kinds in
// internal/fault. Consumption of invites and tickets happens inside a
// single document transaction so no partial state is left behind.
package admission

import (
	"time"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/id"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/validate"
)

// Token and ticket lifetimes.
const (
	InviteTTL        = 15 * time.Minute
	TicketTTLDefault = 60 * time.Second
	TicketTTLMin     = 5 * time.Second
	TicketTTLMax     = 10 * time.Minute
)

// Admission performs membership operations on behalf of the local
// node.
type Admission struct {
	doc  *state.Doc
	self string
	now  func() time.Time
}

// New creates the admission layer for the local node.
func New(doc *state.Doc, self string) *Admission {
	return &Admission{doc: doc, self: self, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (a *Admission) SetNowFunc(fn func() time.Time) { a.now = fn }

// Bootstrap registers the local node as the first member. It succeeds
// only while the nodes map is empty.
func (a *Admission) Bootstrap(tier string, capabilities []string) error {
	if err := validate.NodeID("node id", a.self); err != nil {
		return err
	}
	var err error
	a.doc.Transact(func(tx *state.Txn) {
		if tx.Len(state.Nodes) > 0 {
			err = fault.New(fault.InvalidState, "mesh is already bootstrapped")
			return
		}
		tx.Set(state.Nodes, a.self, map[string]any{
			"tier":         tier,
			"capabilities": capabilities,
			"addedBy":      a.self,
			"addedAt":      a.now().UnixMilli(),
		})
	})
	return err
}

// InviteResult is the product of GenerateInvite.
type InviteResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// GenerateInvite mints a fresh invite token. Permitted while the nodes
// map is empty (first-node case) or when the caller's recorded tier is
// backbone. An empty ttl uses the 15 minute default; expectedNodeID
// optionally binds the invite to one joining node.
func (a *Admission) GenerateInvite(tier, expectedNodeID string, ttl time.Duration) (*InviteResult, error) {
	if tier != "backbone" && tier != "edge" {
		return nil, fault.Newf(fault.InvalidParams, "invalid tier %q", tier)
	}
	if ttl <= 0 {
		ttl = InviteTTL
	}

	token := id.NewToken()
	expiresAt := a.now().Add(ttl).UnixMilli()
	var err error
	a.doc.Transact(func(tx *state.Txn) {
		if tx.Len(state.Nodes) > 0 && !a.isBackboneLocked(tx) {
			err = fault.New(fault.NotAuthorized, "only backbone nodes may generate invites")
			return
		}
		invite := map[string]any{
			"tier":      tier,
			"expiresAt": expiresAt,
			"createdBy": a.self,
		}
		if expectedNodeID != "" {
			invite["expectedNodeId"] = expectedNodeID
		}
		tx.Set(state.PendingInvites, token, invite)
	})
	if err != nil {
		return nil, err
	}
	return &InviteResult{Token: token, ExpiresAt: expiresAt}, nil
}

// JoinWithToken consumes an invite on behalf of nodeID, registering it
// in the nodes map and deleting the invite in the same transaction.
func (a *Admission) JoinWithToken(token, nodeID string) error {
	if err := validate.NodeID("node id", nodeID); err != nil {
		return err
	}
	var err error
	a.doc.Transact(func(tx *state.Txn) {
		err = a.consumeInviteLocked(tx, token, nodeID)
	})
	return err
}

// consumeInviteLocked validates and consumes an invite inside an open
// transaction. On success the joining node is registered and the
// invite is gone. Validation happens before any write so a rejected
// consumption leaves no partial state.
func (a *Admission) consumeInviteLocked(tx *state.Txn, token, nodeID string) error {
	invite, err := a.validInviteLocked(tx, token, nodeID)
	if err != nil {
		return err
	}
	tx.Set(state.Nodes, nodeID, map[string]any{
		"tier":         state.AsString(invite["tier"]),
		"capabilities": []string{},
		"addedBy":      state.AsString(invite["createdBy"]),
		"addedAt":      a.now().UnixMilli(),
	})
	tx.Delete(state.PendingInvites, token)
	return nil
}

// validInviteLocked checks existence, expiry and node binding without
// mutating anything.
func (a *Admission) validInviteLocked(tx *state.Txn, token, nodeID string) (map[string]any, error) {
	invite, ok := tx.Get(state.PendingInvites, token)
	if !ok {
		return nil, fault.New(fault.InvalidToken, "unknown or already used invite token")
	}
	if a.now().UnixMilli() > state.AsInt64(invite["expiresAt"]) {
		return nil, fault.New(fault.ExpiredToken, "invite token expired")
	}
	if expected := state.AsString(invite["expectedNodeId"]); expected != "" && expected != nodeID {
		return nil, fault.New(fault.NodeMismatch, "invite is bound to another node")
	}
	return invite, nil
}

// Revoke removes a node from the mesh: its membership, context and
// pulse entries are deleted. Backbone-only; revoking self is refused.
func (a *Admission) Revoke(nodeID string) error {
	if nodeID == a.self {
		return fault.New(fault.InvalidParams, "cannot revoke self")
	}
	var err error
	a.doc.Transact(func(tx *state.Txn) {
		if !a.isBackboneLocked(tx) {
			err = fault.New(fault.NotAuthorized, "only backbone nodes may revoke")
			return
		}
		if _, ok := tx.Get(state.Nodes, nodeID); !ok {
			err = fault.Newf(fault.NotFound, "node %q is not a member", nodeID)
			return
		}
		tx.Delete(state.Nodes, nodeID)
		tx.Delete(state.Context, nodeID)
		tx.Delete(state.Pulse, nodeID)
	})
	return err
}

// TicketResult is the product of MintWSTicketFromInvite.
type TicketResult struct {
	Ticket    string `json:"ticket"`
	ExpiresAt int64  `json:"expiresAt"`
}

// MintWSTicketFromInvite validates an invite and mints a single-use,
// node-bound websocket ticket from it. A zero ttl uses the 60s
// default; out-of-range values are rejected.
func (a *Admission) MintWSTicketFromInvite(token, expectedNodeID string, ttl time.Duration) (*TicketResult, error) {
	if err := validate.NodeID("node id", expectedNodeID); err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = TicketTTLDefault
	}
	if ttl < TicketTTLMin || ttl > TicketTTLMax {
		return nil, fault.Newf(fault.InvalidParams, "ticket ttl must be between %s and %s", TicketTTLMin, TicketTTLMax)
	}

	var err error
	ticket := id.NewToken()
	now := a.now()
	expiresAt := now.Add(ttl).UnixMilli()
	a.doc.Transact(func(tx *state.Txn) {
		invite, ok := tx.Get(state.PendingInvites, token)
		if !ok {
			err = fault.New(fault.InvalidToken, "unknown or already used invite token")
			return
		}
		if now.UnixMilli() > state.AsInt64(invite["expiresAt"]) {
			err = fault.New(fault.ExpiredToken, "invite token expired")
			return
		}
		if bound := state.AsString(invite["expectedNodeId"]); bound != "" && bound != expectedNodeID {
			err = fault.New(fault.NodeMismatch, "invite is bound to another node")
			return
		}
		tx.Set(state.AuthTickets, ticket, map[string]any{
			"inviteToken":    token,
			"expectedNodeId": expectedNodeID,
			"createdBy":      a.self,
			"createdAt":      now.UnixMilli(),
			"expiresAt":      expiresAt,
		})
	})
	if err != nil {
		return nil, err
	}
	return &TicketResult{Ticket: ticket, ExpiresAt: expiresAt}, nil
}

// ConsumeWSTicket atomically consumes a ticket and then the underlying
// invite, registering the presented node. The first consumption marks
// usedAt; every later consumption fails with ticket_already_used.
func (a *Admission) ConsumeWSTicket(ticket, presentedNodeID string) error {
	var err error
	a.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(state.AuthTickets, ticket)
		if !ok {
			err = fault.New(fault.InvalidTicket, "unknown ticket")
			return
		}
		if state.AsInt64(rec["usedAt"]) > 0 {
			err = fault.New(fault.TicketAlreadyUsed, "ticket was already consumed")
			return
		}
		if a.now().UnixMilli() > state.AsInt64(rec["expiresAt"]) {
			err = fault.New(fault.ExpiredTicket, "ticket expired")
			return
		}
		if bound := state.AsString(rec["expectedNodeId"]); bound != "" && bound != presentedNodeID {
			err = fault.New(fault.TicketNodeMismatch, "ticket is bound to another node")
			return
		}
		if _, err = a.validInviteLocked(tx, state.AsString(rec["inviteToken"]), presentedNodeID); err != nil {
			return
		}

		tx.SetField(state.AuthTickets, ticket, "usedAt", a.now().UnixMilli())
		err = a.consumeInviteLocked(tx, state.AsString(rec["inviteToken"]), presentedNodeID)
	})
	return err
}

// IsNodeAuthorized is the admission predicate: a node may write when
// the mesh is unbootstrapped, when it is a member, when it has a live
// heartbeat, or when a peer already records an internal agent hosted
// by it. The latter two signals self-heal membership during partition
// recovery, when a node's entry may propagate via pulse or agents
// before the membership set.
func (a *Admission) IsNodeAuthorized(nodeID string) bool {
	if a.doc.Len(state.Nodes) == 0 {
		return true
	}
	if a.doc.Has(state.Nodes, nodeID) {
		return true
	}
	if a.doc.Has(state.Pulse, nodeID) {
		return true
	}
	for _, agentID := range a.doc.Keys(state.Agents) {
		rec, ok := a.doc.Get(state.Agents, agentID)
		if !ok {
			continue
		}
		if state.AsString(rec["type"]) == "internal" && state.AsString(rec["gateway"]) == nodeID {
			return true
		}
	}
	return false
}

// PruneExpired deletes expired invites and tickets. Called from the
// per-host cleanup cadence.
func (a *Admission) PruneExpired() int {
	now := a.now().UnixMilli()
	pruned := 0
	a.doc.Transact(func(tx *state.Txn) {
		for _, token := range tx.Keys(state.PendingInvites) {
			if rec, ok := tx.Get(state.PendingInvites, token); ok && now > state.AsInt64(rec["expiresAt"]) {
				tx.Delete(state.PendingInvites, token)
				pruned++
			}
		}
		for _, ticket := range tx.Keys(state.AuthTickets) {
			if rec, ok := tx.Get(state.AuthTickets, ticket); ok && now > state.AsInt64(rec["expiresAt"]) {
				tx.Delete(state.AuthTickets, ticket)
				pruned++
			}
		}
	})
	return pruned
}

// isBackboneLocked reports whether the local node's recorded tier is
// backbone.
func (a *Admission) isBackboneLocked(tx *state.Txn) bool {
	rec, ok := tx.Get(state.Nodes, a.self)
	return ok && state.AsString(rec["tier"]) == "backbone"
}
